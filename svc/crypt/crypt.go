// Package crypt seals secured paste content under a process-wide key.
//
// The stored representation of a secured paste is a JSON envelope holding
// hex-encoded ciphertext and nonce, and its CRC32 checksum is kept in the
// paste metadata. Open verifies the checksum before attempting decryption.
package crypt

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"psst/metrics"
	"psst/pkg/domain"
	"psst/svc/util"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX

	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

var salt = []byte("psst.paste.v1")

var ErrEmptyPassphrase = errors.New("encryption passphrase is empty")

// Envelope is the stored form of secured content.
type Envelope struct {
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
}

type Engine struct {
	mu  sync.RWMutex
	key []byte
}

// New derives the process key from passphrase. Derivation is deliberately
// slow and should run once at startup.
func New(passphrase []byte) (*Engine, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, errors.Wrap(err, "derive key")
	}
	return &Engine{key: key}, nil
}

// NewWithKey skips derivation. key must be KeySize bytes.
func NewWithKey(key []byte) (*Engine, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Engine{key: k}, nil
}

func (e *Engine) Encrypt(plaintext []byte) (ciphertext, iv []byte, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.key == nil {
		return nil, nil, errors.New("engine wiped")
	}
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "init aead")
	}
	iv = make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, errors.Wrap(err, "read nonce")
	}
	metrics.EncryptionOps.WithLabelValues("encrypt").Inc()
	return aead.Seal(nil, iv, plaintext, nil), iv, nil
}

func (e *Engine) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.key == nil {
		return nil, errors.New("engine wiped")
	}
	if len(iv) != NonceSize {
		metrics.IntegrityFailures.Inc()
		return nil, errors.Wrapf(domain.ErrIntegrity, "nonce length %d", len(iv))
	}
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, errors.Wrap(err, "init aead")
	}
	metrics.EncryptionOps.WithLabelValues("decrypt").Inc()
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		metrics.IntegrityFailures.Inc()
		return nil, errors.Wrap(domain.ErrIntegrity, "authenticate ciphertext")
	}
	return plaintext, nil
}

// Checksum is the lowercase hex CRC32 (IEEE) of b.
func Checksum(b []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(b))
}

// Seal encrypts plaintext into an envelope and returns the envelope bytes
// together with their checksum.
func (e *Engine) Seal(plaintext []byte) ([]byte, string, error) {
	ct, iv, err := e.Encrypt(plaintext)
	if err != nil {
		return nil, "", err
	}
	stored, err := json.Marshal(Envelope{
		EncryptedData: hex.EncodeToString(ct),
		IV:            hex.EncodeToString(iv),
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "marshal envelope")
	}
	return stored, Checksum(stored), nil
}

func (e *Engine) Open(stored []byte, checksum string) ([]byte, error) {
	if Checksum(stored) != checksum {
		metrics.IntegrityFailures.Inc()
		return nil, errors.Wrap(domain.ErrIntegrity, "checksum mismatch")
	}
	var env Envelope
	if err := json.Unmarshal(stored, &env); err != nil {
		metrics.IntegrityFailures.Inc()
		return nil, errors.Wrap(domain.ErrIntegrity, "decode envelope")
	}
	ct, err := hex.DecodeString(env.EncryptedData)
	if err != nil {
		metrics.IntegrityFailures.Inc()
		return nil, errors.Wrap(domain.ErrIntegrity, "decode ciphertext")
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		metrics.IntegrityFailures.Inc()
		return nil, errors.Wrap(domain.ErrIntegrity, "decode iv")
	}
	return e.Decrypt(ct, iv)
}

// Wipe zeroes the key. The engine is unusable afterwards.
func (e *Engine) Wipe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.key != nil {
		util.Wipe(e.key)
		e.key = nil
	}
}
