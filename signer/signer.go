// Package signer produces chain-acceptable transactions for the mining
// contract: a single contract-execute message authenticated with an EIP-712
// typed-data signature and wrapped with the chain's Web3 extension.
package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// FeeDenom is the gas token denomination.
const FeeDenom = "inj"

// TxInput is everything needed to build and sign one contract execution.
// Account number and sequence are full uint64s end to end; no field ever
// passes through a float.
type TxInput struct {
	ChainID       string
	EthChainID    int64
	AccountNumber uint64
	Sequence      uint64
	Contract      string
	ExecMsg       json.RawMessage
	Funds         string
	GasLimit      uint64
	GasPrice      *big.Int
	Memo          string
	TimeoutHeight uint64
}

// Signer builds and signs transactions. The native implementation is the
// design of record; the sidecar client exists for debugging against the
// legacy signing bridge.
type Signer interface {
	// Address returns the bech32 account address of the signing key.
	Address() string
	// AddressBytes returns the Ethereum-style 20-byte address.
	AddressBytes() common.Address
	// SignTx returns the broadcast-ready transaction bytes for the input.
	SignTx(ctx context.Context, in *TxInput) ([]byte, error)
}

// Native signs in-process with a key derived from the mnemonic at startup.
type Native struct {
	key    *ecdsa.PrivateKey
	addr   common.Address
	bech32 string
}

// NewNative derives the signing key from the mnemonic. A malformed mnemonic
// is a configuration error; the caller aborts startup.
func NewNative(mnemonic string) (*Native, error) {
	key, err := DeriveKey(mnemonic)
	if err != nil {
		return nil, err
	}
	addr, b32, err := AddressFromKey(key)
	if err != nil {
		return nil, err
	}
	return &Native{key: key, addr: addr, bech32: b32}, nil
}

// Address implements Signer.
func (s *Native) Address() string { return s.bech32 }

// AddressBytes implements Signer.
func (s *Native) AddressBytes() common.Address { return s.addr }

// SignTx implements Signer: it hashes the typed data, signs the digest and
// assembles the wire transaction.
func (s *Native) SignTx(_ context.Context, in *TxInput) ([]byte, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	digest, err := TypedDataDigest(in, s.bech32)
	if err != nil {
		return nil, err
	}
	// 65 bytes r || s || v, v in {0, 1}, deterministic per RFC 6979.
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, err
	}
	pubkey := crypto.CompressPubkey(&s.key.PublicKey)
	return BuildTxRaw(in, s.bech32, pubkey, sig)
}

// TypedDataDigest computes the 32-byte EIP-712 digest
// keccak256(0x1901 || domainSeparator || hashStruct(Tx)) for the input.
func TypedDataDigest(in *TxInput, sender string) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(TypedTx(in, sender))
	if err != nil {
		return nil, err
	}
	return digest, nil
}

func validateInput(in *TxInput) error {
	if in.Contract == "" {
		return errors.New("missing contract address")
	}
	if len(in.ExecMsg) == 0 || !json.Valid(in.ExecMsg) {
		return errors.New("execute message is not valid JSON")
	}
	if in.GasLimit == 0 {
		return errors.New("missing gas limit")
	}
	if in.GasPrice == nil || in.GasPrice.Sign() <= 0 {
		return errors.New("missing gas price")
	}
	return nil
}
