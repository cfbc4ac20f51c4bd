// Package wallet validates wallet addresses and personal_sign signatures.
package wallet

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidAddress   = errors.New("invalid wallet address")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Normalize validates a hex address and returns it lower-cased.
func Normalize(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// NewNonce returns a random hex nonce for the login challenge.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// LoginMessage is the text the wallet signs to prove ownership of addr.
func LoginMessage(nonce string) string {
	return "Sign this message to log in to the credential portal.\nNonce: " + nonce
}

// RecoverAddress returns the signer of an EIP-191 personal_sign signature
// over message.
func RecoverAddress(message, signatureHex string) (string, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signatureHex))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	// Wallets produce v in {27, 28}; SigToPub wants {0, 1}.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifySignature checks that signatureHex over message was produced by addr.
func VerifySignature(addr, message, signatureHex string) error {
	want, err := Normalize(addr)
	if err != nil {
		return err
	}
	got, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: signer %s does not match %s", ErrInvalidSignature, got, want)
	}
	return nil
}
