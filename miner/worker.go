package miner

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/gelotto/gmine/drillx"
)

const (
	// hashBatch is the number of nonces a worker grinds between cancellation
	// checks. A cancelled worker returns within one batch.
	hashBatch = 4096

	// solutionQueueSize is the size of the channel carrying solutions from
	// the workers to the orchestrator.
	solutionQueueSize = 64
)

var hashMeter = metrics.NewRegisteredMeter("gmine/hashes", nil)

// Solution is a nonce whose drillx digest meets the epoch difficulty.
type Solution struct {
	Nonce      uint64
	Digest     [32]byte
	Difficulty uint32
	WorkerID   uint32
}

// Better reports whether s beats other. A nil other is always beaten.
func (s *Solution) Better(other *Solution) bool {
	return other == nil || s.Difficulty > other.Difficulty
}

// search is one epoch's worth of parallel nonce grinding. Workers run until
// cancelled or exhausted; every qualifying solution is offered on the
// solution queue (and dropped if the queue is full), since a later nonce may
// beat an earlier one and the orchestrator picks the best before the commit
// cut-off.
type search struct {
	challenge  [32]byte
	difficulty uint32

	cancelled atomic.Bool
	solutions chan Solution
	exhausted chan uint32
	wg        sync.WaitGroup
}

// newSearch starts one worker goroutine per partition and returns the running
// search. Partitions are indexed by worker id.
func newSearch(challenge [32]byte, difficulty uint32, partitions []Partition) *search {
	s := &search{
		challenge:  challenge,
		difficulty: difficulty,
		solutions:  make(chan Solution, solutionQueueSize),
		exhausted:  make(chan uint32, len(partitions)),
	}
	for id, part := range partitions {
		s.wg.Add(1)
		go s.mine(uint32(id), part)
	}
	return s
}

// cancel signals all workers to stop. Workers observe the flag within one
// hash batch.
func (s *search) cancel() {
	s.cancelled.Store(true)
}

// wait blocks until every worker has returned, draining any solutions still
// buffered so that no worker blocks on the channel.
func (s *search) wait() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-s.solutions:
		case <-s.exhausted:
		case <-done:
			return
		}
	}
}

// mine grinds the worker's partition. A panic is confined to this worker:
// the search degrades instead of halting.
func (s *search) mine(id uint32, part Partition) {
	defer s.wg.Done()

	logger := log.New("worker", id)
	defer func() {
		if err := recover(); err != nil {
			logger.Error("Worker crashed, continuing without it", "err", err, "stack", string(debug.Stack()))
		}
	}()

	logger.Debug("Started nonce search", "start", part.Start, "end", part.End, "difficulty", s.difficulty)

	var (
		scratch  = drillx.NewScratch()
		attempts int64
		found    int
	)
	for nonce := part.Start; ; nonce++ {
		attempts++
		if attempts%hashBatch == 0 {
			hashMeter.Mark(hashBatch)
			if s.cancelled.Load() {
				logger.Debug("Nonce search cancelled", "attempts", attempts, "found", found)
				return
			}
		}
		digest := drillx.Hash(scratch, s.challenge, drillx.EncodeNonce(nonce))
		if diff := drillx.Difficulty(digest); diff >= s.difficulty {
			found++
			select {
			case s.solutions <- Solution{Nonce: nonce, Digest: digest, Difficulty: diff, WorkerID: id}:
				logger.Debug("Solution found and reported", "nonce", nonce, "difficulty", diff)
			default:
				// Queue full means the orchestrator is already sitting on
				// plenty of candidates; drop rather than stall the search.
				logger.Debug("Solution found but queue full", "nonce", nonce, "difficulty", diff)
			}
		}
		if nonce == part.End {
			break
		}
	}

	logger.Debug("Partition exhausted", "attempts", attempts, "found", found)
	s.exhausted <- id
}
