// Package miner drives per-epoch participation in the mining contract's
// commit/reveal/settlement lifecycle: it partitions the nonce space over the
// configured workers, searches with drillx, and times commit, reveal and
// claim submissions to the phase boundaries.
package miner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gelotto/gmine/chain"
)

// DefaultSubmissionBuffer is the default safety margin, in blocks, kept
// between any broadcast and the end of its phase.
const DefaultSubmissionBuffer = 8

// state is the orchestrator's position in the current epoch.
type state int

const (
	stateIdle state = iota
	stateMining
	stateCommitted
	stateRevealed
	stateDone
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateMining:
		return "mining"
	case stateCommitted:
		return "committed"
	case stateRevealed:
		return "revealed"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// maxClaimAttempts bounds settlement retries before the epoch is abandoned.
const maxClaimAttempts = 3

// broadcaster is the slice of chain.Broadcaster the orchestrator uses,
// abstracted so tests can substitute a stub.
type broadcaster interface {
	Refresh(ctx context.Context) error
	Account() (number, sequence uint64)
	SetAccount(number, sequence uint64)
	Execute(ctx context.Context, kind chain.TxKind, execMsg json.RawMessage) (*chain.TxResult, error)
}

// Config is the orchestrator configuration, built once in main.
type Config struct {
	Workers          uint32
	SubmissionBuffer uint64
	StateFile        string
}

// Miner is the epoch orchestrator. All mutable state below is owned by the
// single Run goroutine; other components communicate exclusively over
// channels, so none of it needs locking.
type Miner struct {
	cfg  Config
	addr common.Address
	obs  <-chan chain.Observation
	bc   broadcaster
	log  log.Logger

	durable   *DurableState
	committed *lru.Cache[uint64, struct{}]

	// Epoch-scoped; reset when the epoch advances.
	st            state
	epoch         chain.EpochState
	search        *search
	best          *Solution
	pending       *PendingReveal
	skipped       bool
	claimAttempts int
	stalled       bool
	exhaustedN    int
	started       bool
}

// New creates the orchestrator. The durable state has already been loaded
// (and its account cache pushed into the broadcaster) by the caller.
func New(cfg Config, addr common.Address, obs <-chan chain.Observation, bc broadcaster, durable *DurableState) (*Miner, error) {
	if cfg.Workers == 0 || cfg.Workers > MaxPartitions {
		return nil, fmt.Errorf("worker count %d outside [1, %d]", cfg.Workers, MaxPartitions)
	}
	if cfg.SubmissionBuffer == 0 {
		cfg.SubmissionBuffer = DefaultSubmissionBuffer
	}
	committed, err := lru.New[uint64, struct{}](committedRingSize)
	if err != nil {
		return nil, err
	}
	for _, e := range durable.CommittedEpochs {
		committed.Add(e, struct{}{})
	}
	return &Miner{
		cfg:       cfg,
		addr:      addr,
		obs:       obs,
		bc:        bc,
		log:       log.New("module", "miner"),
		durable:   durable,
		committed: committed,
		pending:   durable.PendingReveal,
	}, nil
}

// statusInterval is how often the mining status line is logged.
const statusInterval = 60 * time.Second

// Run executes the state machine until the context is cancelled.
func (m *Miner) Run(ctx context.Context) error {
	defer m.stopSearch()
	status := time.NewTicker(statusInterval)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case obs := <-m.obs:
			m.handleObservation(ctx, obs)
		case sol := <-m.solutions():
			m.handleSolution(sol)
		case id := <-m.exhaustedCh():
			m.handleExhausted(id)
		case <-status.C:
			m.log.Info("Mining status", "epoch", m.epoch.EpochID, "state", m.st,
				"hashrate", fmt.Sprintf("%.0f H/s", hashMeter.Rate1()), "best", m.bestDifficulty())
		}
	}
}

// bestDifficulty reports the leading-zero count of the best solution in
// hand, or zero when there is none.
func (m *Miner) bestDifficulty() uint32 {
	if m.best == nil {
		return 0
	}
	return m.best.Difficulty
}

// solutions returns the live search's solution channel, or nil (which never
// selects) when no search is running.
func (m *Miner) solutions() <-chan Solution {
	if m.search == nil {
		return nil
	}
	return m.search.solutions
}

func (m *Miner) exhaustedCh() <-chan uint32 {
	if m.search == nil {
		return nil
	}
	return m.search.exhausted
}

func (m *Miner) handleSolution(sol Solution) {
	if m.st != stateMining || sol.Difficulty < m.epoch.Difficulty {
		return
	}
	if sol.Better(m.best) {
		s := sol
		m.best = &s
		m.log.Info("New best solution", "epoch", m.epoch.EpochID, "nonce", sol.Nonce,
			"difficulty", sol.Difficulty, "required", m.epoch.Difficulty, "worker", sol.WorkerID)
	}
}

func (m *Miner) handleExhausted(id uint32) {
	m.exhaustedN++
	m.log.Debug("Worker exhausted its partition", "worker", id,
		"exhausted", m.exhaustedN, "workers", m.cfg.Workers)
}

func (m *Miner) handleObservation(ctx context.Context, obs chain.Observation) {
	if obs.Stalled {
		m.stalled = true
		return
	}
	m.stalled = false

	if !m.started || obs.Epoch.EpochID != m.epoch.EpochID {
		m.started = true
		m.advanceEpoch(obs.Epoch)
	}
	m.epoch = obs.Epoch

	switch m.st {
	case stateIdle:
		m.maybeStartMining(obs)
	case stateMining:
		m.maybeCommit(ctx, obs)
	case stateCommitted:
		m.maybeReveal(ctx, obs)
	case stateRevealed:
		m.maybeClaim(ctx, obs)
	case stateDone:
		// Nothing left this epoch; advanceEpoch resets us.
	}
}

// advanceEpoch discards all epoch-scoped state and decides the entry state
// for the new epoch.
func (m *Miner) advanceEpoch(next chain.EpochState) {
	m.stopSearch()
	m.best = nil
	m.skipped = false
	m.claimAttempts = 0
	m.exhaustedN = 0

	if m.pending != nil && m.pending.Epoch < next.EpochID {
		m.log.Warn("Pending reveal expired unrevealed, reward forfeited",
			"epoch", m.pending.Epoch, "current", next.EpochID)
		m.clearPending()
	}
	if m.pending != nil && m.pending.Epoch == next.EpochID {
		// Restart recovery: the commit for this epoch already happened.
		m.st = stateCommitted
	} else {
		m.st = stateIdle
	}

	m.durable.LastSeenEpoch = next.EpochID
	m.persist()
	m.log.Info("Epoch advanced", "epoch", next.EpochID, "phase", next.Phase,
		"difficulty", next.Difficulty, "state", m.st)
}

func (m *Miner) maybeStartMining(obs chain.Observation) {
	if obs.Epoch.Phase != chain.PhaseCommit || m.skipped {
		return
	}
	if m.committed.Contains(obs.Epoch.EpochID) {
		// Already committed this epoch once; never commit again.
		return
	}
	if obs.BlocksRemaining < m.cfg.SubmissionBuffer {
		// Not enough runway left to even submit; wait for the next epoch.
		m.skipped = true
		m.log.Debug("Commit window too narrow, skipping epoch",
			"epoch", obs.Epoch.EpochID, "remaining", obs.BlocksRemaining)
		return
	}

	partitions := make([]Partition, m.cfg.Workers)
	for id := uint32(0); id < m.cfg.Workers; id++ {
		partitions[id] = Assign([20]byte(m.addr), obs.Epoch.EpochID, id, m.cfg.Workers)
	}
	m.search = newSearch(obs.Epoch.Challenge, obs.Epoch.Difficulty, partitions)
	m.st = stateMining
	m.log.Info("Mining started", "epoch", obs.Epoch.EpochID, "workers", m.cfg.Workers,
		"difficulty", obs.Epoch.Difficulty, "challenge", common.Hash(obs.Epoch.Challenge))
}

func (m *Miner) maybeCommit(ctx context.Context, obs chain.Observation) {
	if obs.Epoch.Phase != chain.PhaseCommit {
		// The commit phase slipped away while searching.
		m.stopSearch()
		m.st = stateIdle
		m.skipped = true
		m.log.Warn("Commit phase ended before submission, epoch skipped", "epoch", obs.Epoch.EpochID)
		return
	}
	if obs.BlocksRemaining < m.cfg.SubmissionBuffer {
		m.stopSearch()
		m.st = stateIdle
		m.skipped = true
		if m.best != nil {
			m.log.Warn("Solution arrived too close to the phase boundary, epoch skipped",
				"epoch", obs.Epoch.EpochID, "remaining", obs.BlocksRemaining, "buffer", m.cfg.SubmissionBuffer)
		} else {
			m.log.Debug("No solution before cut-off, epoch skipped", "epoch", obs.Epoch.EpochID)
		}
		return
	}
	if m.best == nil {
		if m.exhaustedN == int(m.cfg.Workers) {
			m.stopSearch()
			m.st = stateIdle
			m.skipped = true
			m.log.Warn("Nonce space exhausted without a solution", "epoch", obs.Epoch.EpochID)
		}
		return
	}
	// A solution is in hand. Keep searching for a better one until the
	// window narrows to twice the buffer, then commit the best seen.
	if obs.BlocksRemaining > 2*m.cfg.SubmissionBuffer && m.exhaustedN != int(m.cfg.Workers) {
		return
	}
	if m.stalled {
		return
	}
	m.commit(ctx)
}

// commit builds the commitment for the best solution and broadcasts it. The
// salt goes to durable state before the broadcast: a crash between the two
// must not lose it.
func (m *Miner) commit(ctx context.Context) {
	best := m.best
	m.stopSearch()

	c, err := BuildCommitment([20]byte(m.addr), best.Nonce, best.Digest)
	if err != nil {
		m.log.Error("Building commitment failed", "err", err)
		m.st = stateIdle
		m.skipped = true
		return
	}
	m.pending = &PendingReveal{
		Epoch:  m.epoch.EpochID,
		Nonce:  best.Nonce,
		Digest: best.Digest,
		Salt:   c.Salt,
	}
	m.durable.PendingReveal = m.pending
	m.persist()

	res, err := m.bc.Execute(ctx, chain.TxCommit, commitMsg(c.Hash))
	if !m.submitted(ctx, chain.TxCommit, res, err) {
		m.clearPending()
		m.persist()
		return
	}
	m.committed.Add(m.epoch.EpochID, struct{}{})
	m.durable.CommittedEpochs = m.committed.Keys()
	m.st = stateCommitted
	m.persist()
	m.log.Info("Solution committed", "epoch", m.epoch.EpochID, "nonce", best.Nonce,
		"difficulty", best.Difficulty, "tx", txHash(res))
}

func (m *Miner) maybeReveal(ctx context.Context, obs chain.Observation) {
	switch obs.Epoch.Phase {
	case chain.PhaseCommit:
		// Still waiting for the reveal phase.
	case chain.PhaseReveal:
		if m.stalled || obs.BlocksRemaining < m.cfg.SubmissionBuffer {
			return
		}
		res, err := m.bc.Execute(ctx, chain.TxReveal, revealMsg(m.pending))
		if !m.submitted(ctx, chain.TxReveal, res, err) {
			return
		}
		m.st = stateRevealed
		m.log.Info("Solution revealed", "epoch", m.epoch.EpochID, "nonce", m.pending.Nonce, "tx", txHash(res))
		m.clearPending()
		m.persist()
	case chain.PhaseSettlement:
		m.log.Warn("Reveal phase missed, reward forfeited", "epoch", m.epoch.EpochID)
		m.clearPending()
		m.persist()
		m.st = stateIdle
	}
}

func (m *Miner) maybeClaim(ctx context.Context, obs chain.Observation) {
	if obs.Epoch.Phase != chain.PhaseSettlement || m.stalled {
		return
	}
	// Best-effort settlement helpers: an external keeper may already have
	// advanced and finalized, so failures here are expected and ignored.
	if m.claimAttempts == 0 {
		if _, err := m.bc.Execute(ctx, chain.TxAdvance, advanceMsg()); err != nil {
			m.log.Debug("Epoch advance declined", "err", err)
		}
		if _, err := m.bc.Execute(ctx, chain.TxFinalize, finalizeMsg(m.epoch.EpochID)); err != nil {
			m.log.Debug("Epoch finalize declined", "err", err)
		}
	}
	m.claimAttempts++
	res, err := m.bc.Execute(ctx, chain.TxClaim, claimMsg(m.epoch.EpochID))
	if err != nil {
		if m.claimAttempts >= maxClaimAttempts {
			m.log.Warn("Claim abandoned", "epoch", m.epoch.EpochID, "attempts", m.claimAttempts, "err", err)
			m.st = stateIdle
		} else {
			m.log.Debug("Claim failed, will retry", "epoch", m.epoch.EpochID, "err", err)
		}
		return
	}
	m.st = stateDone
	m.persist()
	m.log.Info("Reward claimed", "epoch", m.epoch.EpochID, "tx", txHash(res))
}

// submitted folds the shared broadcast outcomes: success (and
// already-committed, which counts as success), wrong phase (forfeit) and
// sequence desync (resync from chain truth, drop to idle).
func (m *Miner) submitted(ctx context.Context, kind chain.TxKind, res *chain.TxResult, err error) bool {
	switch {
	case err == nil:
		return true
	case chain.IsAlreadyCommitted(err):
		m.log.Info("Commitment already on chain, treating as success", "epoch", m.epoch.EpochID)
		return true
	case chain.IsWrongPhase(err):
		m.log.Warn("Transaction hit the wrong phase, epoch missed",
			"kind", kind, "epoch", m.epoch.EpochID, "err", err)
		m.st = stateIdle
		m.skipped = true
		return false
	case chain.IsSequenceMismatch(err):
		m.log.Warn("Signer desynced from chain, resyncing", "kind", kind, "err", err)
		if rerr := m.bc.Refresh(ctx); rerr != nil {
			m.log.Error("Account resync failed", "err", rerr)
		}
		m.persist()
		m.st = stateIdle
		return false
	default:
		m.log.Warn("Broadcast failed", "kind", kind, "epoch", m.epoch.EpochID, "err", err)
		return false
	}
}

func (m *Miner) stopSearch() {
	if m.search == nil {
		return
	}
	m.search.cancel()
	m.search.wait()
	m.search = nil
}

func (m *Miner) clearPending() {
	m.pending = nil
	m.durable.PendingReveal = nil
}

// persist snapshots progress to disk; the account cache travels with it.
func (m *Miner) persist() {
	m.durable.AccountNumber, m.durable.AccountSequence = m.bc.Account()
	if err := SaveState(m.cfg.StateFile, m.durable); err != nil {
		m.log.Error("Persisting state failed", "file", m.cfg.StateFile, "err", err)
	}
}

func txHash(res *chain.TxResult) string {
	if res == nil {
		return ""
	}
	return res.Hash
}

// Contract execute message bodies. The reveal nonce is a decimal string so
// full 64-bit values survive JSON.

func commitMsg(commitment [32]byte) json.RawMessage {
	msg, _ := json.Marshal(map[string]interface{}{
		"commit_solution": map[string]string{
			"commitment": base64.StdEncoding.EncodeToString(commitment[:]),
		},
	})
	return msg
}

func revealMsg(p *PendingReveal) json.RawMessage {
	msg, _ := json.Marshal(map[string]interface{}{
		"reveal_solution": map[string]string{
			"nonce":  strconv.FormatUint(p.Nonce, 10),
			"digest": base64.StdEncoding.EncodeToString(p.Digest[:]),
			"salt":   base64.StdEncoding.EncodeToString(p.Salt[:]),
		},
	})
	return msg
}

func advanceMsg() json.RawMessage {
	return json.RawMessage(`{"advance_epoch":{}}`)
}

func finalizeMsg(epoch uint64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"finalize_epoch":{"epoch":%d}}`, epoch))
}

func claimMsg(epoch uint64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"claim_reward":{"epoch":%d}}`, epoch))
}
