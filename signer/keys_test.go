package signer

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// The BIP-39 reference mnemonic at m/44'/60'/0'/0/0 derives a well-known
// Ethereum address; the bech32 form is that address re-encoded.
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDeriveKeyVector(t *testing.T) {
	key, err := DeriveKey(testMnemonic)
	require.NoError(t, err)

	addr := crypto.PubkeyToAddress(key.PublicKey)
	want := common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94")
	require.Equal(t, want, addr, "derivation drifted from the reference path")
}

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey(testMnemonic)
	require.NoError(t, err)
	k2, err := DeriveKey(testMnemonic)
	require.NoError(t, err)
	require.Equal(t, crypto.FromECDSA(k1), crypto.FromECDSA(k2))
}

func TestDeriveKeyNormalizesWhitespace(t *testing.T) {
	k1, err := DeriveKey(testMnemonic)
	require.NoError(t, err)
	k2, err := DeriveKey("  " + strings.ReplaceAll(testMnemonic, " ", "   ") + "\n")
	require.NoError(t, err)
	require.Equal(t, crypto.FromECDSA(k1), crypto.FromECDSA(k2))
}

func TestDeriveKeyRejectsGarbage(t *testing.T) {
	for _, mnemonic := range []string{
		"",
		"not a mnemonic",
		"abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon", // bad checksum
	} {
		if _, err := DeriveKey(mnemonic); err == nil {
			t.Errorf("DeriveKey(%q) accepted an invalid mnemonic", mnemonic)
		}
	}
}

func TestBech32Address(t *testing.T) {
	key, err := DeriveKey(testMnemonic)
	require.NoError(t, err)
	_, b32, err := AddressFromKey(key)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(b32, "inj1"), "address %s lacks the inj prefix", b32)
	require.Len(t, b32, 42, "bech32 account addresses are 42 characters")
}
