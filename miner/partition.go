package miner

import (
	"encoding/binary"
	"math"

	"github.com/ethereum/go-ethereum/crypto"
)

// MaxPartitions bounds the worker count: the nonce space is divided into one
// partition per worker, so this is also the maximum number of workers.
const MaxPartitions = 1000

// Partition is a contiguous sub-range of the 64-bit nonce space assigned to
// one worker for one epoch. Both bounds are inclusive, which lets the last
// partition reach the maximum uint64 without overflow.
type Partition struct {
	Start uint64
	End   uint64
	ID    uint32
}

// Size returns the number of nonces in the partition.
func (p Partition) Size() uint64 {
	return p.End - p.Start + 1
}

// NonceSpace returns the width of every partition but the last for the given
// worker count. The division remainder is absorbed by the last partition.
func NonceSpace(workers uint32) uint64 {
	return math.MaxUint64 / uint64(workers)
}

// Assign maps (miner address, epoch, worker) to the worker's partition.
//
// The miner address picks a base offset so that different miners spread over
// different regions; the per-epoch rotation is applied at the partition-id
// level, never to raw nonces, so no range can come out empty or reversed.
// All intermediate values are reduced mod workers before addition, keeping
// every step well inside uint64 range.
//
// For a fixed (addr, epochID, workers), the mapping workerID -> partitionID
// is a bijection on [0, workers), so the union of all workers' partitions is
// exactly [0, 2^64) and the partitions are pairwise disjoint.
func Assign(addr [20]byte, epochID uint64, workerID, workers uint32) Partition {
	base := binary.BigEndian.Uint64(crypto.Keccak256(addr[:])[:8]) % uint64(workers)
	seedID := (base + uint64(workerID)) % uint64(workers)
	partitionID := (seedID + epochID%uint64(workers)) % uint64(workers)

	space := NonceSpace(workers)
	start := partitionID * space
	end := start + space - 1
	if partitionID == uint64(workers)-1 {
		end = math.MaxUint64
	}
	return Partition{Start: start, End: end, ID: uint32(partitionID)}
}
