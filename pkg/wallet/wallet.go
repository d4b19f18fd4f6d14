// Package wallet holds a local Ethereum key for signing in to the blog from
// the command line.
package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/maybehotcarl/gatedblog/pkg/api"
	"github.com/maybehotcarl/gatedblog/pkg/siwe"
)

// Wallet holds an Ethereum private key for signing SIWE messages.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// FromKeyFile loads a wallet from a hex-encoded private key file.
func FromKeyFile(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return FromHex(strings.TrimSpace(string(data)))
}

// FromHex creates a wallet from a hex-encoded private key.
func FromHex(hexKey string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return fromKey(key), nil
}

// Generate creates a new random wallet.
func Generate() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return fromKey(key), nil
}

func fromKey(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the wallet's Ethereum address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// AddressHex returns the checksummed address string.
func (w *Wallet) AddressHex() string {
	return w.address.Hex()
}

// PrivateKeyHex returns the private key as a hex string (without 0x prefix).
func (w *Wallet) PrivateKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(w.privateKey))
}

// SignMessage signs a message using ERC-191 personal_sign, returning a
// 0x-prefixed signature with v = 27 or 28 as browser wallets do.
func (w *Wallet) SignMessage(message string) (string, error) {
	sig, err := crypto.Sign(siwe.SignHash(message), w.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing message: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SignChallenge signs a SIWE message and packages it for POST /auth/verify.
func (w *Wallet) SignChallenge(message string) (*siwe.SignedMessage, error) {
	sig, err := w.SignMessage(message)
	if err != nil {
		return nil, err
	}
	return &siwe.SignedMessage{Message: message, Signature: sig}, nil
}

// Login signs in to a blog server: it asks for a challenge for this address,
// signs it and submits the signature. On success c carries the session token.
func (w *Wallet) Login(c *api.Client) (*api.VerifyResponse, error) {
	challenge, err := c.GetChallenge(w.AddressHex())
	if err != nil {
		return nil, fmt.Errorf("requesting challenge: %w", err)
	}
	// Never sign a message issued for someone else.
	if !strings.Contains(challenge.Message, w.AddressHex()) {
		return nil, fmt.Errorf("challenge is not addressed to %s", w.AddressHex())
	}

	signed, err := w.SignChallenge(challenge.Message)
	if err != nil {
		return nil, err
	}

	resp, err := c.Verify(signed.Message, signed.Signature)
	if err != nil {
		return nil, fmt.Errorf("verifying signature: %w", err)
	}
	return resp, nil
}

// SaveKeyFile writes the private key to a file (hex-encoded).
func (w *Wallet) SaveKeyFile(path string) error {
	return os.WriteFile(path, []byte(w.PrivateKeyHex()+"\n"), 0600)
}
