package secrets

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	store := New(true, "", zaptest.NewLogger(t))

	envelope, err := store.Encrypt("sk-test-credential")
	require.NoError(t, err)
	require.NotEmpty(t, envelope)
	assert.NotContains(t, envelope, "sk-test")

	assert.Equal(t, "sk-test-credential", store.Decrypt(envelope))
}

func TestEncrypt_FreshNonce(t *testing.T) {
	store := New(true, "", zaptest.NewLogger(t))

	first, err := store.Encrypt("same-secret")
	require.NoError(t, err)
	second, err := store.Encrypt("same-secret")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, store.Decrypt(first), store.Decrypt(second))
}

func TestEncryptDecrypt_Disabled(t *testing.T) {
	store := New(false, "", zaptest.NewLogger(t))

	envelope, err := store.Encrypt("plain-credential")
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("plain-credential")), envelope)
	assert.Equal(t, "plain-credential", store.Decrypt(envelope))
}

func TestEncrypt_EmptyPlaintext(t *testing.T) {
	store := New(true, "", zaptest.NewLogger(t))

	envelope, err := store.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", envelope)
	assert.Equal(t, "", store.Decrypt(""))
}

func TestDecrypt_InvalidBase64(t *testing.T) {
	store := New(true, "", zaptest.NewLogger(t))
	assert.Equal(t, "", store.Decrypt("%%% not base64 %%%"))
}

func TestDecrypt_PlainBase64Fallback(t *testing.T) {
	// A value persisted while encryption was off must still be readable once
	// encryption is turned on.
	store := New(true, "", zaptest.NewLogger(t))
	envelope := base64.StdEncoding.EncodeToString([]byte("legacy-key"))

	assert.Equal(t, "legacy-key", store.Decrypt(envelope))
}

func TestDecrypt_CustomPassphrase(t *testing.T) {
	logger := zaptest.NewLogger(t)
	storeA := New(true, "first-passphrase", logger)
	storeB := New(true, "second-passphrase", logger)

	envelope, err := storeA.Encrypt("shared-secret")
	require.NoError(t, err)

	assert.Equal(t, "shared-secret", storeA.Decrypt(envelope))
	// The wrong key falls back to raw bytes, not the plaintext.
	assert.NotEqual(t, "shared-secret", storeB.Decrypt(envelope))
}
