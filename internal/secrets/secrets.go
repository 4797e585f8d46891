// Package secrets stores provider credentials at rest as encrypted or
// base64-encoded envelopes.
//
// The passphrase and salt below are constants compiled into the binary, so
// this is local-storage obfuscation only: it defends against casual
// inspection of the state file, not against anyone with access to the source.
// The key source is overridable through New for callers that can supply a
// platform secret.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/crypto/pbkdf2"
)

const (
	defaultPassphrase = "pagebrain-capture-key"
	defaultSalt       = "pagebrain-capture-salt"

	keyIterations = 100000
	keyLen        = 32
	nonceSize     = 12
)

// Store encrypts and decrypts credential envelopes. The zero value is not
// usable; construct with New.
type Store struct {
	key     []byte
	enabled bool
	logger  *zap.Logger
}

// New derives the symmetric key once and returns a ready store. When enabled
// is false, envelopes are plain base64 of the UTF-8 bytes. An empty
// passphrase selects the built-in default.
func New(enabled bool, passphrase string, logger *zap.Logger) *Store {
	if passphrase == "" {
		passphrase = defaultPassphrase
	}
	return &Store{
		key:     pbkdf2.Key([]byte(passphrase), []byte(defaultSalt), keyIterations, keyLen, sha256.New),
		enabled: enabled,
		logger:  logger.Named("secrets"),
	}
}

// Encrypt seals plaintext into its at-rest envelope: base64(nonce‖ciphertext)
// under AES-256-GCM with a fresh random nonce, or plain base64 when
// encryption is disabled. Empty plaintext yields an empty envelope.
func (s *Store) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if !s.enabled {
		return base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to initialize GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope and returns the plaintext credential.
//
// It never fails: a value written in the other mode, or a corrupt one, falls
// back to plain base64 decoding, and if that fails too the result is the
// empty string. Callers treat an empty credential as "not configured".
func (s *Store) Decrypt(envelope string) string {
	if envelope == "" {
		return ""
	}

	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		s.logger.Debug("Credential envelope is not valid base64; treating as absent")
		return ""
	}

	if !s.enabled {
		return string(raw)
	}

	plaintext, err := s.open(raw)
	if err != nil {
		// Likely a plain-base64 value persisted while encryption was off.
		s.logger.Debug("Credential decryption failed; falling back to base64 decode", zap.Error(err))
		return string(raw)
	}
	return plaintext
}

func (s *Store) open(raw []byte) (string, error) {
	if len(raw) <= nonceSize {
		return "", fmt.Errorf("envelope too short: %d bytes", len(raw))
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
