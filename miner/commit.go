package miner

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gelotto/gmine/drillx"
)

// SaltSize is the size of the commitment salt in bytes.
const SaltSize = 32

// Commitment binds a solution to the miner for the commit phase. The salt
// must be retained until reveal; losing it forfeits the reward.
type Commitment struct {
	Hash [32]byte
	Salt [SaltSize]byte
}

// BuildCommitment samples a fresh salt and computes the commitment hash
//
//	keccak256(miner_addr || nonce_be || digest || salt)
//
// The nonce is encoded with drillx.EncodeNonce, the same encoder the reveal
// path uses, so commit and reveal can never disagree on byte order.
func BuildCommitment(minerAddr [20]byte, nonce uint64, digest [32]byte) (*Commitment, error) {
	var c Commitment
	if _, err := rand.Read(c.Salt[:]); err != nil {
		return nil, fmt.Errorf("sampling commitment salt: %w", err)
	}
	nb := drillx.EncodeNonce(nonce)
	copy(c.Hash[:], crypto.Keccak256(minerAddr[:], nb[:], digest[:], c.Salt[:]))
	return &c, nil
}

// CommitmentHash recomputes the commitment hash for a known salt. The reveal
// path uses it to check the persisted triple against the pending commitment
// before broadcasting.
func CommitmentHash(minerAddr [20]byte, nonce uint64, digest [32]byte, salt [SaltSize]byte) [32]byte {
	var h [32]byte
	nb := drillx.EncodeNonce(nonce)
	copy(h[:], crypto.Keccak256(minerAddr[:], nb[:], digest[:], salt[:]))
	return h
}
