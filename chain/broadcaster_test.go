package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/gelotto/gmine/signer"
)

// fakeSigner records every signing input and returns placeholder tx bytes.
type fakeSigner struct {
	inputs []signer.TxInput
}

func (f *fakeSigner) Address() string              { return "inj1miner" }
func (f *fakeSigner) AddressBytes() common.Address { return common.Address{} }

func (f *fakeSigner) SignTx(_ context.Context, in *signer.TxInput) ([]byte, error) {
	f.inputs = append(f.inputs, *in)
	return []byte("signed"), nil
}

// lcdStub scripts the broadcast responses and serves the account endpoint.
type lcdStub struct {
	t          *testing.T
	codes      []uint32 // one per broadcast, then all zero
	logs       []string
	broadcasts int
	sequence   uint64
}

func (s *lcdStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/cosmos/auth/v1beta1/accounts/"):
			fmt.Fprintf(w, `{"account":{"account_number":"42","sequence":"%d"}}`, s.sequence)
		case r.URL.Path == "/cosmos/tx/v1beta1/txs":
			code, log := uint32(0), ""
			if s.broadcasts < len(s.codes) {
				code, log = s.codes[s.broadcasts], s.logs[s.broadcasts]
			}
			s.broadcasts++
			json.NewEncoder(w).Encode(map[string]interface{}{
				"tx_response": map[string]interface{}{"txhash": "AB", "code": code, "raw_log": log},
			})
		default:
			s.t.Errorf("unexpected request %s", r.URL.Path)
			http.NotFound(w, r)
		}
	})
}

func newBroadcasterHarness(t *testing.T, stub *lcdStub) (*Broadcaster, *fakeSigner) {
	t.Helper()
	stub.t = t
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	sig := &fakeSigner{}
	bc := NewBroadcaster(NewClient(srv.URL, "inj1contract"), sig, "injective-1", 1, big.NewInt(160_000_000))
	return bc, sig
}

func TestBroadcasterOptimisticSequence(t *testing.T) {
	bc, sig := newBroadcasterHarness(t, &lcdStub{})
	bc.SetAccount(42, 5)

	res, err := bc.Execute(context.Background(), TxCommit, json.RawMessage(`{"advance_epoch":{}}`))
	require.NoError(t, err)
	require.EqualValues(t, 0, res.Code)

	require.Len(t, sig.inputs, 1)
	require.EqualValues(t, 5, sig.inputs[0].Sequence)
	require.EqualValues(t, 250_000, sig.inputs[0].GasLimit)

	_, seq := bc.Account()
	require.EqualValues(t, 6, seq, "sequence not incremented after success")
}

func TestBroadcasterSequenceMismatchRetry(t *testing.T) {
	stub := &lcdStub{codes: []uint32{32}, logs: []string{"account sequence mismatch"}, sequence: 9}
	bc, sig := newBroadcasterHarness(t, stub)
	bc.SetAccount(42, 5)

	_, err := bc.Execute(context.Background(), TxReveal, json.RawMessage(`{"advance_epoch":{}}`))
	require.NoError(t, err)

	// One refresh, one retry with the chain's sequence.
	require.Len(t, sig.inputs, 2)
	require.EqualValues(t, 5, sig.inputs[0].Sequence)
	require.EqualValues(t, 9, sig.inputs[1].Sequence)
	_, seq := bc.Account()
	require.EqualValues(t, 10, seq)
}

func TestBroadcasterSignatureFailureTreatedAsStaleSequence(t *testing.T) {
	// Code 4 usually masks a stale sequence; it gets the same single
	// refresh-and-retry.
	stub := &lcdStub{codes: []uint32{4}, logs: []string{"signature verification failed"}, sequence: 7}
	bc, sig := newBroadcasterHarness(t, stub)
	bc.SetAccount(42, 3)

	_, err := bc.Execute(context.Background(), TxCommit, json.RawMessage(`{"advance_epoch":{}}`))
	require.NoError(t, err)
	require.Len(t, sig.inputs, 2)
	require.EqualValues(t, 7, sig.inputs[1].Sequence)
}

func TestBroadcasterSequenceMismatchTwiceSurfaces(t *testing.T) {
	stub := &lcdStub{
		codes:    []uint32{32, 32},
		logs:     []string{"account sequence mismatch", "account sequence mismatch"},
		sequence: 9,
	}
	bc, _ := newBroadcasterHarness(t, stub)

	_, err := bc.Execute(context.Background(), TxCommit, json.RawMessage(`{"advance_epoch":{}}`))
	require.True(t, IsSequenceMismatch(err), "have %v, want sequence mismatch", err)
}

func TestBroadcasterOutOfGasDoubles(t *testing.T) {
	stub := &lcdStub{codes: []uint32{11}, logs: []string{"out of gas"}}
	bc, sig := newBroadcasterHarness(t, stub)

	_, err := bc.Execute(context.Background(), TxCommit, json.RawMessage(`{"advance_epoch":{}}`))
	require.NoError(t, err)
	require.Len(t, sig.inputs, 2)
	require.EqualValues(t, 250_000, sig.inputs[0].GasLimit)
	require.EqualValues(t, 500_000, sig.inputs[1].GasLimit)
}

func TestBroadcasterOutOfGasCapped(t *testing.T) {
	stub := &lcdStub{codes: []uint32{11, 11}, logs: []string{"out of gas", "out of gas"}}
	bc, sig := newBroadcasterHarness(t, stub)

	_, err := bc.Execute(context.Background(), TxClaim, json.RawMessage(`{"advance_epoch":{}}`))
	require.True(t, IsOutOfGas(err), "have %v, want out of gas", err)
	require.Len(t, sig.inputs, 2)
	require.EqualValues(t, 800_000, sig.inputs[1].GasLimit, "doubling must respect the cap")
}

func TestBroadcasterWrongPhaseSurfaced(t *testing.T) {
	stub := &lcdStub{codes: []uint32{5}, logs: []string{"execute wasm contract failed: wrong phase"}}
	bc, sig := newBroadcasterHarness(t, stub)

	_, err := bc.Execute(context.Background(), TxCommit, json.RawMessage(`{"advance_epoch":{}}`))
	require.True(t, IsWrongPhase(err), "have %v, want wrong phase", err)
	require.Len(t, sig.inputs, 1, "wrong phase must not be retried")
}

func TestGasDefaults(t *testing.T) {
	tests := []struct {
		kind TxKind
		want uint64
	}{
		{TxCommit, 250_000},
		{TxReveal, 300_000},
		{TxClaim, 400_000}, // 200k historically made claims fail
		{TxAdvance, 200_000},
		{TxFinalize, 200_000},
	}
	for _, tt := range tests {
		if have := tt.kind.GasLimit(); have != tt.want {
			t.Errorf("%v gas: have %d, want %d", tt.kind, have, tt.want)
		}
	}
}
