// Package cipher implements the relay core's Encryptor collaborator
// (spec.md §6 "Cipher contract"): a stateful, per-direction streaming
// cipher seeded from the shared password and cipher method name.
//
// Unlike the teacher's internal/crypto package — which builds an
// ephemeral-key-exchange, message-framed AEAD (X25519 + ChaCha20-Poly1305)
// for its mesh's end-to-end encryption — this core has no key exchange
// (spec.md's Non-goals explicitly exclude cryptographic design) and needs
// a raw byte-stream cipher, not a message-authenticated one. It reuses the
// same HKDF derivation idiom and keeps the "embed the IV in the first
// output bytes" shape of the stream, but derives the key directly from the
// shared password.
package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the derived stream-cipher key size in bytes.
	KeySize = chacha20.KeySize

	// NonceSize is the size of the embedded IV in bytes.
	NonceSize = chacha20.NonceSize

	hkdfInfo = "relaycore-stream-v1"
)

// Encryptor is the narrow interface the relay core depends on. Both
// directions of a single connection share one Encryptor, but each
// direction's stream state (the first-call IV, the running keystream
// position) is independent — see streamCipher below.
type Encryptor interface {
	// Encrypt returns the ciphertext for plaintext. The very first call
	// prepends a freshly generated IV to the output; subsequent calls do
	// not.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt returns the plaintext for ciphertext. The peer's IV may
	// arrive split across more than one call (a realistic TCP segment
	// boundary, not just a loopback convenience) — Decrypt buffers raw
	// bytes internally until the full IV has arrived before producing any
	// plaintext. Per spec.md §9's resolved Open Question, a cipher
	// initialization failure is a reported error, not a silent empty
	// result.
	Decrypt(ciphertext []byte) ([]byte, error)
}

// streamCipher is the only Method implementation this core ships.
// It is not safe for concurrent use: spec.md §5 runs the entire core on a
// single dispatch goroutine, so no direction is ever touched from two
// goroutines at once.
type streamCipher struct {
	key [KeySize]byte

	enc *chacha20.Cipher
	dec *chacha20.Cipher

	decIVBuf []byte // raw bytes awaiting a full IV before dec is initialized
}

// NewEncryptor derives a stream cipher from password and method. method
// selects the cipher family; "chacha20" is the only one this core
// implements today, matching the spec.md §3 config key of the same name.
func NewEncryptor(method, password string) (Encryptor, error) {
	switch method {
	case "chacha20", "":
		// empty method falls back to chacha20, consistent with shadowsocks
		// configs where method defaults rather than failing closed.
	default:
		return nil, fmt.Errorf("cipher: unsupported method %q", method)
	}
	if password == "" {
		return nil, fmt.Errorf("cipher: password must not be empty")
	}

	kdf := hkdf.New(sha256.New, []byte(password), nil, []byte(hkdfInfo))
	var key [KeySize]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("cipher: derive key: %w", err)
	}

	return &streamCipher{key: key}, nil
}

func (s *streamCipher) Encrypt(plaintext []byte) ([]byte, error) {
	var prefix []byte
	if s.enc == nil {
		nonce := make([]byte, NonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("cipher: generate iv: %w", err)
		}
		c, err := chacha20.NewUnauthenticatedCipher(s.key[:], nonce)
		if err != nil {
			return nil, fmt.Errorf("cipher: init encrypt stream: %w", err)
		}
		s.enc = c
		prefix = nonce
	}

	out := make([]byte, len(prefix)+len(plaintext))
	copy(out, prefix)
	s.enc.XORKeyStream(out[len(prefix):], plaintext)
	return out, nil
}

func (s *streamCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if s.dec == nil {
		s.decIVBuf = append(s.decIVBuf, ciphertext...)
		if len(s.decIVBuf) < NonceSize {
			// IV still incomplete: nothing decryptable yet, and nothing
			// wrong either — the rest arrives in a later call.
			return nil, nil
		}
		nonce := s.decIVBuf[:NonceSize]
		ciphertext = s.decIVBuf[NonceSize:]
		s.decIVBuf = nil

		c, err := chacha20.NewUnauthenticatedCipher(s.key[:], nonce)
		if err != nil {
			return nil, fmt.Errorf("cipher: init decrypt stream: %w", err)
		}
		s.dec = c
	}

	if len(ciphertext) == 0 {
		return nil, nil
	}
	out := make([]byte, len(ciphertext))
	s.dec.XORKeyStream(out, ciphertext)
	return out, nil
}
