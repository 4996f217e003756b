package keys

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var errOpen = errors.New("keys: no encryption key opens the sealed private key")

type sealKey struct {
	id   string
	aead cipher.AEAD
}

// Sealer encrypts private keys at rest with XChaCha20-Poly1305 under keys
// derived from operator secrets with HKDF-SHA256. It holds the current key
// and an ordered list of previous keys that can still open older material.
type Sealer struct {
	current  sealKey
	previous []sealKey
}

// NewSealer derives the current key from secret and fallback keys from previous.
func NewSealer(secret string, previous ...string) (*Sealer, error) {
	cur, err := deriveSealKey(secret)
	if err != nil {
		return nil, err
	}
	s := &Sealer{current: cur}
	for _, p := range previous {
		if p == "" || p == secret {
			continue
		}
		k, err := deriveSealKey(p)
		if err != nil {
			return nil, err
		}
		s.previous = append(s.previous, k)
	}
	return s, nil
}

func deriveSealKey(secret string) (sealKey, error) {
	if secret == "" {
		return sealKey{}, errors.New("keys: encryption secret is empty")
	}
	kdf := hkdf.New(sha256.New, []byte(secret), []byte("credtrust/issuer-keys"), []byte("xchacha20poly1305"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return sealKey{}, fmt.Errorf("derive encryption key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return sealKey{}, fmt.Errorf("init aead: %w", err)
	}
	id := sha256.Sum256(key)
	return sealKey{id: hex.EncodeToString(id[:6]), aead: aead}, nil
}

// CurrentKeyID identifies the key new material is sealed under.
func (s *Sealer) CurrentKeyID() string {
	return s.current.id
}

// Seal encrypts plaintext bound to aad. The blob is nonce || ciphertext.
func (s *Sealer) Seal(plaintext, aad []byte) (keyID string, blob []byte, err error) {
	nonce := make([]byte, s.current.aead.NonceSize(), s.current.aead.NonceSize()+len(plaintext)+s.current.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.current.id, s.current.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts blob. The key named by keyID is tried first, then the current
// key, then previous keys in order.
func (s *Sealer) Open(keyID string, blob, aad []byte) ([]byte, error) {
	for _, k := range s.candidates(keyID) {
		ns := k.aead.NonceSize()
		if len(blob) < ns+k.aead.Overhead() {
			continue
		}
		if pt, err := k.aead.Open(nil, blob[:ns], blob[ns:], aad); err == nil {
			return pt, nil
		}
	}
	return nil, errOpen
}

func (s *Sealer) candidates(keyID string) []sealKey {
	all := append([]sealKey{s.current}, s.previous...)
	out := make([]sealKey, 0, len(all))
	for _, k := range all {
		if k.id == keyID {
			out = append(out, k)
		}
	}
	for _, k := range all {
		if k.id != keyID {
			out = append(out, k)
		}
	}
	return out
}

// Rotate returns a sealer whose current key derives from newSecret; the old
// current key moves to the front of the previous list.
func (s *Sealer) Rotate(newSecret string) (*Sealer, error) {
	next, err := deriveSealKey(newSecret)
	if err != nil {
		return nil, err
	}
	out := &Sealer{current: next}
	for _, k := range append([]sealKey{s.current}, s.previous...) {
		if k.id != next.id {
			out.previous = append(out.previous, k)
		}
	}
	return out, nil
}
