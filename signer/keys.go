package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	bip39 "github.com/tyler-smith/go-bip39"
)

// Bech32HRP is the address prefix of the chain.
const Bech32HRP = "inj"

// derivationPath is the chain's address scheme: Ethereum coin type, first
// account.
const derivationPath = "m/44'/60'/0'/0/0"

// DeriveKey turns a BIP-39 mnemonic into the signing key at the chain's
// standard derivation path.
func DeriveKey(mnemonic string) (*ecdsa.PrivateKey, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid BIP-39 mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}
	path, err := accounts.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, err
	}
	key := master
	for _, n := range path {
		if key, err = key.Derive(n); err != nil {
			return nil, fmt.Errorf("deriving %s: %w", derivationPath, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

// Bech32Address encodes an Ethereum-style 20-byte address as the chain's
// bech32 account address.
func Bech32Address(addr common.Address) (string, error) {
	conv, err := bech32.ConvertBits(addr.Bytes(), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(Bech32HRP, conv)
}

// AddressFromKey returns both address forms of a signing key. The 20-byte
// form feeds keccak commitments; the bech32 form goes on the wire.
func AddressFromKey(key *ecdsa.PrivateKey) (common.Address, string, error) {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	b32, err := Bech32Address(addr)
	return addr, b32, err
}
