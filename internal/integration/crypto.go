package integration

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds derived keys to their purpose.
const hkdfInfo = "graysync integration credentials v1"

// Sealer encrypts credential maps with XChaCha20-Poly1305.
//
// The AEAD key is derived from the configured encryption secret with
// HKDF-SHA256. The integration ID is used as associated data so a blob
// copied onto another row fails to open.
type Sealer struct {
	key []byte
}

// NewSealer derives the credential key from secret.
//
// Parameters:
//   - secret: security.encryption_key (at least 32 characters)
//
// Returns:
//   - *Sealer: ready to seal and open credential blobs
//   - error: if the secret is too short or key derivation fails
func NewSealer(secret string) (*Sealer, error) {
	if len(secret) < 32 {
		return nil, errors.New("integration: encryption key must be at least 32 characters")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving credential key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts creds for the integration identified by id.
// An empty credential map seals to nil.
func (s *Sealer) Seal(id string, creds Credentials) ([]byte, error) {
	if len(creds) == 0 {
		return nil, nil
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshalling credentials: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, []byte(id)), nil
}

// Open decrypts a blob produced by Seal for the same id.
func (s *Sealer) Open(id string, blob []byte) (Credentials, error) {
	if len(blob) == 0 {
		return Credentials{}, nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedCredentials
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(id))
	if err != nil {
		return nil, ErrSealedCredentials
	}
	creds := Credentials{}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedCredentials, err)
	}
	return creds, nil
}
