package wallet

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// personalSign mimics what a browser wallet returns for personal_sign.
func personalSign(t *testing.T, message string) (addr string, sig string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	raw, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	raw[crypto.RecoveryIDOffset] += 27
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), hexutil.Encode(raw)
}

func TestNormalize(t *testing.T) {
	got, err := Normalize(" 0x52908400098527886E0F7030069857D2E4169EE7 ")
	require.NoError(t, err)
	assert.Equal(t, "0x52908400098527886e0f7030069857d2e4169ee7", got)

	_, err = Normalize("0x1234")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = Normalize("")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestVerifySignature(t *testing.T) {
	msg := LoginMessage("abc123")
	addr, sig := personalSign(t, msg)

	assert.NoError(t, VerifySignature(addr, msg, sig))
	assert.NoError(t, VerifySignature(strings.ToLower(addr), msg, sig), "address case does not matter")

	err := VerifySignature(addr, LoginMessage("other"), sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	other, _ := personalSign(t, msg)
	err = VerifySignature(other, msg, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestRecoverAddress_Malformed(t *testing.T) {
	_, err := RecoverAddress("m", "not-hex")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	_, err = RecoverAddress("m", "0x1234")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestNewNonce(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
