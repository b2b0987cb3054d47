package miner

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// stateVersion is the version tag of the on-disk state file.
const stateVersion = 1

// committedRingSize is how many recently committed epochs are remembered for
// the at-most-once commit check.
const committedRingSize = 20

// PendingReveal is the solution triple preserved between commit and reveal.
type PendingReveal struct {
	Epoch  uint64
	Nonce  uint64
	Digest [32]byte
	Salt   [SaltSize]byte
}

// DurableState is the orchestrator's on-disk snapshot. It is owned
// exclusively by the orchestrator task and rewritten after every phase
// transition that must survive a restart.
type DurableState struct {
	LastSeenEpoch   uint64
	CommittedEpochs []uint64 // most recent last, at most committedRingSize
	PendingReveal   *PendingReveal
	AccountNumber   uint64
	AccountSequence uint64
}

type stateFileJSON struct {
	Version         int          `json:"version"`
	LastSeenEpoch   uint64       `json:"last_seen_epoch"`
	CommittedEpochs []uint64     `json:"committed_epochs"`
	PendingReveal   *pendingJSON `json:"pending_reveal"`
	AccountNumber   uint64       `json:"account_number"`
	AccountSequence uint64       `json:"account_sequence"`
}

// pendingJSON carries the nonce as a decimal string: the value is a full
// uint64 and must not pass through a float.
type pendingJSON struct {
	Epoch  uint64 `json:"epoch"`
	Nonce  string `json:"nonce"`
	Digest string `json:"digest"`
	Salt   string `json:"salt"`
}

// LoadState reads the state file. A missing file yields a zero state; a
// present but unreadable file is an error the caller treats as fatal, since
// mining on top of corrupt state risks double commits.
func LoadState(path string) (*DurableState, error) {
	blob, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &DurableState{}, nil
	}
	if err != nil {
		return nil, err
	}
	var f stateFileJSON
	if err := json.Unmarshal(blob, &f); err != nil {
		return nil, fmt.Errorf("state file %s is corrupt (delete it to start fresh): %w", path, err)
	}
	if f.Version != stateVersion {
		return nil, fmt.Errorf("state file %s has unsupported version %d", path, f.Version)
	}
	s := &DurableState{
		LastSeenEpoch:   f.LastSeenEpoch,
		CommittedEpochs: f.CommittedEpochs,
		AccountNumber:   f.AccountNumber,
		AccountSequence: f.AccountSequence,
	}
	if f.PendingReveal != nil {
		p := &PendingReveal{Epoch: f.PendingReveal.Epoch}
		p.Nonce, err = strconv.ParseUint(f.PendingReveal.Nonce, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("state file %s: bad pending nonce: %w", path, err)
		}
		if err := decode32(f.PendingReveal.Digest, p.Digest[:]); err != nil {
			return nil, fmt.Errorf("state file %s: bad pending digest: %w", path, err)
		}
		if err := decode32(f.PendingReveal.Salt, p.Salt[:]); err != nil {
			return nil, fmt.Errorf("state file %s: bad pending salt: %w", path, err)
		}
		s.PendingReveal = p
	}
	return s, nil
}

// SaveState atomically replaces the state file: the snapshot is written to a
// temp file in the same directory and renamed over the target.
func SaveState(path string, s *DurableState) error {
	f := stateFileJSON{
		Version:         stateVersion,
		LastSeenEpoch:   s.LastSeenEpoch,
		CommittedEpochs: s.CommittedEpochs,
		AccountNumber:   s.AccountNumber,
		AccountSequence: s.AccountSequence,
	}
	if f.CommittedEpochs == nil {
		f.CommittedEpochs = []uint64{}
	}
	if p := s.PendingReveal; p != nil {
		f.PendingReveal = &pendingJSON{
			Epoch:  p.Epoch,
			Nonce:  strconv.FormatUint(p.Nonce, 10),
			Digest: base64.StdEncoding.EncodeToString(p.Digest[:]),
			Salt:   base64.StdEncoding.EncodeToString(p.Salt[:]),
		}
	}
	blob, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	_, werr := tmp.Write(blob)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tmp.Name())
		if werr != nil {
			return werr
		}
		return cerr
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func decode32(s string, dst []byte) error {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("have %d bytes, want %d", len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}
