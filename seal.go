package quill

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// SealNonceSize is the nonce size for AES-GCM.
	SealNonceSize = 12
	// SealSaltSize is the salt size for key derivation.
	SealSaltSize = 32
	// SealKeySize is the AES-256 key size.
	SealKeySize = 32
	// SealPBKDF2Iterations is the iteration count for key derivation.
	SealPBKDF2Iterations = 100000
)

const sealVersion byte = 1

const (
	sealFlagCompressed byte = 1 << 0
	sealFlagSealed     byte = 1 << 1
)

// SealConfig configures payload sealing. With a nil Key and empty
// Passphrase payloads travel unencrypted (still framed and compressed).
type SealConfig struct {
	// Key is the symmetric key (must be 32 bytes for AES-256).
	// If empty, Passphrase is used to derive a key.
	Key []byte
	// Passphrase derives the key via PBKDF2 with the channel salt.
	Passphrase string
	// Salt for passphrase derivation. All peers on a channel must share
	// it; the channel ID itself is commonly used, padded to SealSaltSize.
	Salt []byte
}

// Sealer frames, compresses, and optionally encrypts message payloads.
// The engine treats sealed payloads as an opaque envelope: open fails
// closed on any tamper.
type Sealer struct {
	gcm cipher.AEAD
	key []byte
}

// NewSealer creates a sealer from a raw key or passphrase. A zero-value
// config yields a pass-through sealer that only frames and compresses.
func NewSealer(cfg SealConfig) (*Sealer, error) {
	var key []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != SealKeySize {
			return nil, errors.New("seal key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.Passphrase != "":
		if len(cfg.Salt) == 0 {
			return nil, errors.New("passphrase sealing requires a salt")
		}
		key = DeriveSealKey(cfg.Passphrase, cfg.Salt)
	default:
		return &Sealer{}, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{gcm: gcm, key: key}, nil
}

// DeriveSealKey derives a 32-byte key from a passphrase and salt.
func DeriveSealKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, SealPBKDF2Iterations, SealKeySize, sha256.New)
}

// Key returns the symmetric key in use, or nil for a pass-through sealer.
func (s *Sealer) Key() []byte {
	return s.key
}

// Seal frames plaintext into an envelope: compressed when that shrinks the
// body, encrypted when a key is configured, with a random nonce prepended
// to the ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	body := plaintext
	var flags byte
	if compressed := snappy.Encode(nil, plaintext); len(compressed) < len(plaintext) {
		body = compressed
		flags |= sealFlagCompressed
	}
	if s.gcm != nil {
		nonce := make([]byte, SealNonceSize)
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, err
		}
		body = s.gcm.Seal(nonce, nonce, body, nil)
		flags |= sealFlagSealed
	}
	out := make([]byte, 0, 2+len(body))
	out = append(out, sealVersion, flags)
	return append(out, body...), nil
}

// Open unseals an envelope produced by Seal. Any authentication or
// framing failure yields ErrSealOpen; corruption is never silently hidden.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: envelope too short", ErrSealOpen)
	}
	if data[0] != sealVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrSealOpen, data[0])
	}
	flags := data[1]
	body := data[2:]

	if flags&sealFlagSealed != 0 {
		if s.gcm == nil {
			return nil, fmt.Errorf("%w: sealed payload but no key configured", ErrSealOpen)
		}
		if len(body) < SealNonceSize {
			return nil, fmt.Errorf("%w: ciphertext too short", ErrSealOpen)
		}
		nonce, ciphertext := body[:SealNonceSize], body[SealNonceSize:]
		plain, err := s.gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSealOpen, err)
		}
		body = plain
	} else if s.gcm != nil {
		return nil, fmt.Errorf("%w: unsealed payload on a sealed channel", ErrSealOpen)
	}

	if flags&sealFlagCompressed != 0 {
		plain, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSealOpen, err)
		}
		body = plain
	}
	return body, nil
}
