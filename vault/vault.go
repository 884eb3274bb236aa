// Package vault seals an API credential under a password so only the
// ciphertext ever reaches durable storage. Neither the password nor the
// plaintext is persisted.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength = 16
	ivLength   = 12
	keyLength  = 32
	// PBKDF2-SHA256 iteration count. Fixed so old payloads stay readable.
	iterations = 210000
)

var (
	// ErrInvalidInput rejects empty plaintexts or passwords before any
	// derivation work happens.
	ErrInvalidInput = errors.New("plaintext and password must be non-empty")

	// ErrNotConfigured means no sealed credential is present.
	ErrNotConfigured = errors.New("no credential has been stored")

	// ErrWrongPassword covers both a bad password and tampered ciphertext.
	// The two cases are indistinguishable on purpose.
	ErrWrongPassword = errors.New("wrong password or corrupted data")

	// ErrMalformedPayload means the stored blob is too short or not base64.
	ErrMalformedPayload = errors.New("sealed credential is malformed")

	// ErrCryptoUnavailable means the entropy source could not be read.
	ErrCryptoUnavailable = errors.New("cryptography unavailable, check the system entropy source")
)

// checkCrypto probes the entropy source so both operations fail fast with
// an actionable error instead of deep inside key derivation.
func checkCrypto() error {
	var probe [1]byte
	if _, err := io.ReadFull(rand.Reader, probe[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return nil
}

// Seal encrypts plaintext under a key derived from password and returns
// base64(salt || iv || ciphertext). Salt and iv are fresh on every call,
// so sealing the same inputs twice yields different outputs.
func Seal(plaintext, password string) (string, error) {
	if plaintext == "" || password == "" {
		return "", ErrInvalidInput
	}
	if err := checkCrypto(); err != nil {
		return "", err
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	iv := make([]byte, ivLength)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	aead, err := newAEAD(password, salt)
	if err != nil {
		return "", err
	}
	ciphertext := aead.Seal(nil, iv, []byte(plaintext), nil)

	payload := make([]byte, 0, saltLength+ivLength+len(ciphertext))
	payload = append(payload, salt...)
	payload = append(payload, iv...)
	payload = append(payload, ciphertext...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Unseal decrypts a sealed credential. Authentication failure maps to
// ErrWrongPassword regardless of cause.
func Unseal(sealed, password string) (string, error) {
	if sealed == "" {
		return "", ErrNotConfigured
	}
	if password == "" {
		return "", ErrInvalidInput
	}
	if err := checkCrypto(); err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrMalformedPayload
	}
	if len(raw) <= saltLength+ivLength {
		return "", ErrMalformedPayload
	}

	salt := raw[:saltLength]
	iv := raw[saltLength : saltLength+ivLength]
	ciphertext := raw[saltLength+ivLength:]

	aead, err := newAEAD(password, salt)
	if err != nil {
		return "", err
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	return string(plaintext), nil
}

func newAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Vault holds at most one sealed credential plus a volatile plaintext
// cache keyed by the exact password that unsealed it. The cache lives in
// memory only and is invalidated whenever a different password succeeds.
type Vault struct {
	mu              sync.Mutex
	sealed          string
	cachedPassword  string
	cachedPlaintext string
}

// New returns an empty vault.
func New() *Vault {
	return &Vault{}
}

// Configure installs a previously sealed credential (e.g. loaded from the
// preference store) and drops any cached plaintext.
func (v *Vault) Configure(sealed string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sealed = sealed
	v.cachedPassword = ""
	v.cachedPlaintext = ""
}

// Sealed returns the stored ciphertext blob, or "" if none is present.
func (v *Vault) Sealed() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sealed
}

// Store seals a new credential, retains it, caches the plaintext for the
// supplied password, and returns the blob for persistence.
func (v *Vault) Store(plaintext, password string) (string, error) {
	sealed, err := Seal(plaintext, password)
	if err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sealed = sealed
	v.cachedPassword = password
	v.cachedPlaintext = plaintext
	return sealed, nil
}

// Key returns the plaintext credential for the given password, serving
// from the cache when the same password is presented again. A failed
// unseal leaves any previously cached plaintext untouched.
func (v *Vault) Key(password string) (string, error) {
	v.mu.Lock()
	sealed := v.sealed
	if v.cachedPlaintext != "" && v.cachedPassword == password {
		plaintext := v.cachedPlaintext
		v.mu.Unlock()
		return plaintext, nil
	}
	v.mu.Unlock()

	if sealed == "" {
		return "", ErrNotConfigured
	}
	plaintext, err := Unseal(sealed, password)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	v.cachedPassword = password
	v.cachedPlaintext = plaintext
	v.mu.Unlock()
	return plaintext, nil
}

// Reset drops all state, sealed blob included.
func (v *Vault) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sealed = ""
	v.cachedPassword = ""
	v.cachedPlaintext = ""
}
