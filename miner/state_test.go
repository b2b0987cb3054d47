package miner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	want := &DurableState{
		LastSeenEpoch:   77,
		CommittedEpochs: []uint64{58, 59, 60, 77},
		PendingReveal: &PendingReveal{
			Epoch:  77,
			Nonce:  9_007_199_254_740_993, // above 2^53: must not lose precision
			Digest: [32]byte{1, 2, 3},
			Salt:   [SaltSize]byte{0x11, 0x11},
		},
		AccountNumber:   42,
		AccountSequence: 1 << 60,
	}
	require.NoError(t, SaveState(path, want))

	have, err := LoadState(path)
	require.NoError(t, err)
	require.Equal(t, want, have)

	// The nonce travels as a decimal string, never as a JSON number.
	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(blob), `"nonce": "9007199254740993"`)
}

func TestStateMissingFile(t *testing.T) {
	s, err := LoadState(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, &DurableState{}, s)
}

func TestStateCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{torn write"), 0o644))

	_, err := LoadState(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "corrupt")
}

func TestStateUnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	blob, _ := json.Marshal(map[string]interface{}{"version": 99})
	require.NoError(t, os.WriteFile(path, blob, 0o644))

	_, err := LoadState(path)
	require.Error(t, err)
}

func TestStateAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, SaveState(path, &DurableState{LastSeenEpoch: 1}))
	require.NoError(t, SaveState(path, &DurableState{LastSeenEpoch: 2}))

	// No temp files may survive a successful save.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
	s, err := LoadState(path)
	require.NoError(t, err)
	require.EqualValues(t, 2, s.LastSeenEpoch)
}
