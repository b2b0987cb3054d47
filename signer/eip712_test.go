package signer

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func testInput() *TxInput {
	return &TxInput{
		ChainID:       "injective-1",
		EthChainID:    1,
		AccountNumber: 42,
		Sequence:      7,
		Contract:      "inj1contract",
		ExecMsg:       json.RawMessage(`{"commit_solution":{"commitment":"AAAA"}}`),
		GasLimit:      250_000,
		GasPrice:      big.NewInt(160_000_000),
	}
}

// The digest must be a pure function of the input: identical inputs yield an
// identical 32-byte digest on every run.
func TestTypedDataDigestStable(t *testing.T) {
	d1, err := TypedDataDigest(testInput(), "inj1sender")
	require.NoError(t, err)
	d2, err := TypedDataDigest(testInput(), "inj1sender")
	require.NoError(t, err)
	require.Len(t, d1, 32)
	require.Equal(t, d1, d2)
}

func TestTypedDataDigestBindsFields(t *testing.T) {
	base, err := TypedDataDigest(testInput(), "inj1sender")
	require.NoError(t, err)

	mutations := map[string]func(*TxInput){
		"sequence":       func(in *TxInput) { in.Sequence++ },
		"account number": func(in *TxInput) { in.AccountNumber++ },
		"gas":            func(in *TxInput) { in.GasLimit++ },
		"message":        func(in *TxInput) { in.ExecMsg = json.RawMessage(`{"advance_epoch":{}}`) },
		"chain id":       func(in *TxInput) { in.ChainID = "injective-888" },
		"eth chain id":   func(in *TxInput) { in.EthChainID = 5 },
	}
	for name, mutate := range mutations {
		in := testInput()
		mutate(in)
		d, err := TypedDataDigest(in, "inj1sender")
		require.NoError(t, err, name)
		require.NotEqual(t, base, d, "digest ignores %s", name)
	}
}

// Sequences and account numbers beyond 2^53-1 must reach the typed message
// as exact decimal strings.
func TestTypedDataLargeSequence(t *testing.T) {
	in := testInput()
	in.Sequence = 9_007_199_254_740_993
	in.AccountNumber = 1 << 60

	td := TypedTx(in, "inj1sender")
	require.Equal(t, "9007199254740993", td.Message["sequence"])
	require.Equal(t, "1152921504606846976", td.Message["account_number"])

	_, err := TypedDataDigest(in, "inj1sender")
	require.NoError(t, err)
}

func TestTypedDataMessageShape(t *testing.T) {
	td := TypedTx(testInput(), "inj1sender")

	require.Equal(t, "Tx", td.PrimaryType)
	require.Equal(t, "Injective Web3", td.Domain.Name)
	require.Equal(t, "1.0.0", td.Domain.Version)
	require.Equal(t, "cosmos", td.Domain.VerifyingContract)
	require.Equal(t, "0", td.Domain.Salt)

	msgs := td.Message["msgs"].([]interface{})
	require.Len(t, msgs, 1)
	msg := msgs[0].(map[string]interface{})
	require.Equal(t, ExecMsgType, msg["type"])

	value := msg["value"].(map[string]interface{})
	require.Equal(t, "inj1sender", value["sender"])
	// The execute body rides as a JSON string, not as a nested object.
	require.IsType(t, "", value["msg"])
	require.JSONEq(t, `{"commit_solution":{"commitment":"AAAA"}}`, value["msg"].(string))
	// Empty funds encode as the string "0".
	require.Equal(t, "0", value["funds"])

	fee := td.Message["fee"].(map[string]interface{})
	require.Equal(t, "250000", fee["gas"])
	amount := fee["amount"].([]interface{})[0].(map[string]interface{})
	require.Equal(t, FeeDenom, amount["denom"])
	require.Equal(t, "40000000000000", amount["amount"]) // 250k gas * 160M

	// The compat type string is load-bearing: the long protobuf path is
	// rejected by the chain with a signature mismatch.
	require.Equal(t, "wasmx/MsgExecuteContractCompat", ExecMsgType)
}

// Signing must produce a recoverable 65-byte r||s||v signature with v in
// {0,1}.
func TestNativeSignatureRecoverable(t *testing.T) {
	native, err := NewNative(testMnemonic)
	require.NoError(t, err)

	in := testInput()
	digest, err := TypedDataDigest(in, native.Address())
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, native.key)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.LessOrEqual(t, sig[64], byte(1), "v must be 0 or 1")

	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	require.Equal(t, native.AddressBytes(), crypto.PubkeyToAddress(*pub))
}

func TestSignTxValidatesInput(t *testing.T) {
	native, err := NewNative(testMnemonic)
	require.NoError(t, err)

	bad := map[string]func(*TxInput){
		"no contract":  func(in *TxInput) { in.Contract = "" },
		"invalid json": func(in *TxInput) { in.ExecMsg = json.RawMessage(`{oops`) },
		"no gas":       func(in *TxInput) { in.GasLimit = 0 },
		"no gas price": func(in *TxInput) { in.GasPrice = nil },
	}
	for name, mutate := range bad {
		in := testInput()
		mutate(in)
		if _, err := native.SignTx(context.Background(), in); err == nil {
			t.Errorf("SignTx accepted input with %s", name)
		}
	}

	if _, err := native.SignTx(context.Background(), testInput()); err != nil {
		t.Errorf("SignTx rejected a valid input: %v", err)
	}
}
