// Package drillx binds the memory-hard proof-of-work hash consumed by the
// mining workers. The function is H(challenge, nonce) -> 32-byte digest; the
// difficulty metric is the number of leading zero bits of the digest.
package drillx

import (
	"encoding/binary"
	"math/bits"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

const (
	// DigestSize is the size of a drillx digest in bytes.
	DigestSize = 32

	// scratchSize is the size of the per-worker scratch region. The hash is
	// memory-hard: each invocation streams over the whole region and follows
	// a digest-dependent walk through it.
	scratchSize = 64 * 1024

	// mixRounds is the number of data-dependent mixing passes.
	mixRounds = 8
)

// Scratch is the working memory of one worker. It must not be shared between
// concurrently hashing workers.
type Scratch struct {
	mem [scratchSize]byte
}

// NewScratch allocates a scratch region for a single worker.
func NewScratch() *Scratch {
	return new(Scratch)
}

// EncodeNonce returns the big-endian encoding of a nonce. It is the single
// nonce encoder: hashing, commitment and reveal all use it, so the byte
// order cannot drift between paths.
func EncodeNonce(nonce uint64) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], nonce)
	return b
}

// Hash computes the drillx digest of (challenge, nonce) using s as working
// memory.
func Hash(s *Scratch, challenge [32]byte, nonce [8]byte) [32]byte {
	seed := crypto.Keccak256(challenge[:], nonce[:])

	// Fill the scratch region from the seed.
	shake := sha3.NewShake256()
	shake.Write(seed)
	shake.Read(s.mem[:])

	// Digest-dependent walk: each round reads a window selected by the
	// running state, mixes it in, and writes the state back at the window.
	state := seed
	for i := 0; i < mixRounds; i++ {
		offset := binary.BigEndian.Uint64(state[:8]) % (scratchSize - DigestSize)
		window := s.mem[offset : offset+DigestSize]
		state = crypto.Keccak256(state, window)
		copy(window, state)
	}

	var digest [32]byte
	copy(digest[:], crypto.Keccak256(state, seed))
	return digest
}

// Difficulty returns the number of leading zero bits of a digest, the
// acceptance metric compared against an epoch's required difficulty.
func Difficulty(digest [32]byte) uint32 {
	var n uint32
	for _, b := range digest {
		if b == 0 {
			n += 8
			continue
		}
		n += uint32(bits.LeadingZeros8(b))
		break
	}
	return n
}
