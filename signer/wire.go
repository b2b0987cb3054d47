package signer

import (
	sdkmath "cosmossdk.io/math"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	sdk "github.com/cosmos/cosmos-sdk/types"
	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	"github.com/cosmos/cosmos-sdk/types/tx/signing"
)

// The transaction envelope (TxBody, AuthInfo, TxRaw and friends) is the
// standard cosmos-sdk one and is built from the SDK's generated types. Only
// the three chain-specific payloads riding inside Any wrappers (the compat
// execute message, the Web3 extension and the eth-secp256k1 public key) live
// in the chain's own module tree; those are encoded with a minimal wire
// writer below, the same way the node hand-rolls its own wire formats.

const (
	typeURLExecMsg = "/injective.wasmx.v1.MsgExecuteContractCompat"
	typeURLWeb3Ext = "/injective.types.v1beta1.ExtensionOptionsWeb3Tx"
	typeURLPubKey  = "/injective.crypto.v1beta1.ethsecp256k1.PubKey"
)

const (
	wireVarint = 0
	wireBytes  = 2
)

func appendVarint(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

func appendTag(b []byte, field, wire int) []byte {
	return appendVarint(b, uint64(field)<<3|uint64(wire))
}

func appendBytesField(b []byte, field int, v []byte) []byte {
	b = appendTag(b, field, wireBytes)
	b = appendVarint(b, uint64(len(v)))
	return append(b, v...)
}

func appendStringField(b []byte, field int, s string) []byte {
	if s == "" {
		return b
	}
	return appendBytesField(b, field, []byte(s))
}

func appendUintField(b []byte, field int, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = appendTag(b, field, wireVarint)
	return appendVarint(b, v)
}

// BuildTxRaw assembles the final TxRaw bytes from the input, the signer's
// compressed public key and the 65-byte typed-data signature.
func BuildTxRaw(in *TxInput, sender string, pubkey, sig []byte) ([]byte, error) {
	funds := in.Funds
	if funds == "" {
		// Must match the typed-data encoding so the chain reconstructs the
		// exact message it verifies.
		funds = "0"
	}

	// MsgExecuteContractCompat{sender, contract, msg, funds}
	exec := appendStringField(nil, 1, sender)
	exec = appendStringField(exec, 2, in.Contract)
	exec = appendStringField(exec, 3, string(in.ExecMsg))
	exec = appendStringField(exec, 4, funds)

	// ExtensionOptionsWeb3Tx{typedDataChainID}
	ext := appendUintField(nil, 1, uint64(in.EthChainID))

	body := &txtypes.TxBody{
		Messages:         []*codectypes.Any{{TypeUrl: typeURLExecMsg, Value: exec}},
		Memo:             in.Memo,
		TimeoutHeight:    in.TimeoutHeight,
		ExtensionOptions: []*codectypes.Any{{TypeUrl: typeURLWeb3Ext, Value: ext}},
	}
	bodyBytes, err := body.Marshal()
	if err != nil {
		return nil, err
	}

	// ethsecp256k1.PubKey{key}
	pk := appendBytesField(nil, 1, pubkey)

	authInfo := &txtypes.AuthInfo{
		SignerInfos: []*txtypes.SignerInfo{{
			PublicKey: &codectypes.Any{TypeUrl: typeURLPubKey, Value: pk},
			ModeInfo: &txtypes.ModeInfo{
				Sum: &txtypes.ModeInfo_Single_{
					Single: &txtypes.ModeInfo_Single{Mode: signing.SignMode_SIGN_MODE_LEGACY_AMINO_JSON},
				},
			},
			Sequence: in.Sequence,
		}},
		Fee: &txtypes.Fee{
			Amount:   sdk.Coins{sdk.Coin{Denom: FeeDenom, Amount: sdkmath.NewIntFromBigInt(FeeAmount(in))}},
			GasLimit: in.GasLimit,
		},
	}
	authInfoBytes, err := authInfo.Marshal()
	if err != nil {
		return nil, err
	}

	raw := &txtypes.TxRaw{
		BodyBytes:     bodyBytes,
		AuthInfoBytes: authInfoBytes,
		Signatures:    [][]byte{sig},
	}
	return raw.Marshal()
}
