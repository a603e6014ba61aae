// Package authtoken implements the delegate token wire format.
//
// A token is AES-GCM ciphertext over a small JSON claims blob, encoded as
// base64url with the nonce prefixed. Possession of the minting key is the
// credential; the auth gate attempts decryption against every candidate
// key for the account.
package authtoken

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the codec.
var (
	// ErrMalformed indicates the token is not valid base64 or is too short
	// to carry a nonce.
	ErrMalformed = errors.New("malformed token")

	// ErrDecrypt indicates the token did not decrypt against the given key.
	ErrDecrypt = errors.New("token decryption failed")
)

// Claims is the authenticated content of a delegate token.
type Claims struct {
	// AccountID is the tenant the token was minted for.
	AccountID string `json:"account"`

	// DelegateID is the delegate the token was minted for. Optional for
	// account-default tokens shared by all delegates.
	DelegateID string `json:"delegate,omitempty"`

	// ExpiresAt is the embedded expiry as a unix timestamp in seconds.
	ExpiresAt int64 `json:"exp"`
}

// Expired reports whether the claims expired relative to now.
func (c Claims) Expired(now time.Time) bool {
	return c.ExpiresAt > 0 && now.Unix() >= c.ExpiresAt
}

// Mint encrypts claims under key and returns the encoded token.
//
// The key length must be a valid AES key size (16, 24 or 32 bytes).
func Mint(key []byte, claims Claims) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	plaintext, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt decodes token and decrypts it with key.
//
// Returns ErrMalformed for undecodable input and ErrDecrypt when the key
// does not open the ciphertext. The embedded expiry is NOT checked here;
// that is the auth gate's job, against its own clock.
func Decrypt(key []byte, token string) (Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return Claims{}, err
	}

	if len(raw) < aead.NonceSize() {
		return Claims{}, ErrMalformed
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Claims{}, ErrDecrypt
	}

	var claims Claims
	if err := json.Unmarshal(plaintext, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return claims, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid token key: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}

	return aead, nil
}
