package signer

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ExecMsgType is the amino name of the contract-execute message. The chain
// only accepts the short compat form here; the protobuf path
// /cosmwasm.wasm.v1.MsgExecuteContract is rejected with a signature
// mismatch.
const ExecMsgType = "wasmx/MsgExecuteContractCompat"

// txTypes is the standard Cosmos EIP-712 schema for a single-message
// transaction. Field order is part of the encoding and must not change.
var txTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "string"},
		{Name: "salt", Type: "string"},
	},
	"Tx": {
		{Name: "account_number", Type: "string"},
		{Name: "chain_id", Type: "string"},
		{Name: "fee", Type: "Fee"},
		{Name: "memo", Type: "string"},
		{Name: "msgs", Type: "Msg[]"},
		{Name: "sequence", Type: "string"},
		{Name: "timeout_height", Type: "string"},
	},
	"Fee": {
		{Name: "amount", Type: "Coin[]"},
		{Name: "gas", Type: "string"},
	},
	"Coin": {
		{Name: "denom", Type: "string"},
		{Name: "amount", Type: "string"},
	},
	"Msg": {
		{Name: "type", Type: "string"},
		{Name: "value", Type: "MsgValue"},
	},
	"MsgValue": {
		{Name: "sender", Type: "string"},
		{Name: "contract", Type: "string"},
		{Name: "msg", Type: "string"},
		{Name: "funds", Type: "string"},
	},
}

// TypedTx builds the typed data for a transaction. Every numeric field is a
// decimal string, so values beyond 2^53-1 survive verbatim; the execute
// message rides as a JSON string, and empty funds encode as "0".
func TypedTx(in *TxInput, sender string) apitypes.TypedData {
	funds := in.Funds
	if funds == "" {
		funds = "0"
	}
	return apitypes.TypedData{
		Types:       txTypes,
		PrimaryType: "Tx",
		Domain: apitypes.TypedDataDomain{
			Name:              "Injective Web3",
			Version:           "1.0.0",
			ChainId:           math.NewHexOrDecimal256(in.EthChainID),
			VerifyingContract: "cosmos",
			Salt:              "0",
		},
		Message: apitypes.TypedDataMessage{
			"account_number": strconv.FormatUint(in.AccountNumber, 10),
			"chain_id":       in.ChainID,
			"fee": map[string]interface{}{
				"amount": []interface{}{map[string]interface{}{
					"denom":  FeeDenom,
					"amount": FeeAmount(in).String(),
				}},
				"gas": strconv.FormatUint(in.GasLimit, 10),
			},
			"memo": in.Memo,
			"msgs": []interface{}{map[string]interface{}{
				"type": ExecMsgType,
				"value": map[string]interface{}{
					"sender":   sender,
					"contract": in.Contract,
					"msg":      string(in.ExecMsg),
					"funds":    funds,
				},
			}},
			"sequence":       strconv.FormatUint(in.Sequence, 10),
			"timeout_height": strconv.FormatUint(in.TimeoutHeight, 10),
		},
	}
}

// FeeAmount returns the fee in base units: gas limit times gas price.
func FeeAmount(in *TxInput) *big.Int {
	return new(big.Int).Mul(in.GasPrice, new(big.Int).SetUint64(in.GasLimit))
}
