// Package noise implements the symmetric-state handshake and the
// post-handshake encrypted transport of the secure channel. The
// handshake interleaves Curve25519 agreements with AES-256-GCM
// encryption of handshake payloads, folding every message into a
// running transcript hash; on completion it yields one independent
// cipher state per direction.
package noise

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/jlucaso1/wasocket/crypto"
)

var (
	// ErrDecryptFailed indicates an AEAD tag mismatch on handshake material.
	ErrDecryptFailed = errors.New("failed to decrypt handshake payload")
	// ErrHandshakeFinished indicates use of a symmetric state after Finish.
	ErrHandshakeFinished = errors.New("handshake state already finished")
)

// Handshake is the symmetric state of one handshake: the transcript
// hash, the chaining key and the current AEAD key. It mutates strictly
// forward and is destroyed by Finish; a Handshake is single-use.
type Handshake struct {
	hash     [32]byte
	salt     [32]byte
	key      cipher.AEAD
	counter  uint32
	finished bool
}

// NewHandshake returns an empty symmetric state. Call Start before
// anything else.
func NewHandshake() *Handshake {
	return &Handshake{}
}

// Start initializes the transcript from the protocol pattern and mixes
// the connection header in as the prologue. A 32-byte pattern is used
// as the hash directly; anything else is hashed first.
func (nh *Handshake) Start(pattern string, header []byte) error {
	if nh.finished {
		return ErrHandshakeFinished
	}
	data := []byte(pattern)
	if len(data) == sha256.Size {
		nh.hash = [32]byte(data)
	} else {
		nh.hash = sha256.Sum256(data)
	}
	nh.salt = nh.hash

	key, err := newAESGCM(nh.hash[:])
	if err != nil {
		return err
	}
	nh.key = key
	nh.Authenticate(header)
	return nil
}

// Authenticate extends the transcript hash with data exchanged in the
// clear (raw public keys and ciphertexts).
func (nh *Handshake) Authenticate(data []byte) {
	h := sha256.New()
	h.Write(nh.hash[:])
	h.Write(data)
	h.Sum(nh.hash[:0])
}

// Encrypt seals plaintext with the current handshake key, using the
// transcript hash as associated data, then folds the ciphertext into
// the transcript. Each derived key encrypts at most once, so the nonce
// counter is effectively always zero.
func (nh *Handshake) Encrypt(plaintext []byte) []byte {
	ciphertext := nh.key.Seal(nil, generateIV(nh.postIncrementCounter()), plaintext, nh.hash[:])
	nh.Authenticate(ciphertext)
	return ciphertext
}

// Decrypt opens ciphertext with the current handshake key and folds the
// ciphertext into the transcript. A tag mismatch is fatal to the
// handshake.
func (nh *Handshake) Decrypt(ciphertext []byte) ([]byte, error) {
	plaintext, err := nh.key.Open(nil, generateIV(nh.postIncrementCounter()), ciphertext, nh.hash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	nh.Authenticate(ciphertext)
	return plaintext, nil
}

// MixSharedSecretIntoKey runs ECDH between the given keys and ratchets
// the chaining key with the result.
func (nh *Handshake) MixSharedSecretIntoKey(priv, pub [32]byte) error {
	secret, err := crypto.DeriveSharedSecret(priv, pub)
	if err != nil {
		return fmt.Errorf("failed to compute shared secret: %w", err)
	}
	defer crypto.ZeroBytes(secret[:])
	return nh.MixIntoKey(secret[:])
}

// MixIntoKey derives a new chaining key and a new AEAD key from the
// current chaining key and the given input keying material. The nonce
// counter resets with the key.
func (nh *Handshake) MixIntoKey(data []byte) error {
	if nh.finished {
		return ErrHandshakeFinished
	}
	nh.counter = 0
	write, read, err := nh.extractAndExpand(nh.salt[:], data)
	if err != nil {
		return fmt.Errorf("failed to mix into key: %w", err)
	}
	nh.salt = write
	key, err := newAESGCM(read[:])
	if err != nil {
		return err
	}
	nh.key = key
	crypto.ZeroBytes(read[:])
	return nil
}

// Finish derives the two directional transport keys from the final
// chaining key and destroys the symmetric state. The first AEAD
// returned is the initiator's write direction, the second its read
// direction; a responder uses them swapped.
func (nh *Handshake) Finish() (write, read cipher.AEAD, err error) {
	if nh.finished {
		return nil, nil, ErrHandshakeFinished
	}
	writeKey, readKey, err := nh.extractAndExpand(nh.salt[:], nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to extract transport keys: %w", err)
	}
	write, err = newAESGCM(writeKey[:])
	if err != nil {
		return nil, nil, err
	}
	read, err = newAESGCM(readKey[:])
	if err != nil {
		return nil, nil, err
	}

	// The symmetric state must never be reused after the split.
	nh.finished = true
	nh.key = nil
	crypto.ZeroBytes(nh.hash[:])
	crypto.ZeroBytes(nh.salt[:])
	crypto.ZeroBytes(writeKey[:])
	crypto.ZeroBytes(readKey[:])
	return write, read, nil
}

// extractAndExpand is one HKDF-SHA256 ratchet step: 64 bytes of output
// keyed by the chaining key as salt.
func (nh *Handshake) extractAndExpand(salt, data []byte) (write, read [32]byte, err error) {
	h := hkdf.New(sha256.New, data, salt, nil)
	if _, err = io.ReadFull(h, write[:]); err != nil {
		return write, read, fmt.Errorf("failed to read write key: %w", err)
	}
	if _, err = io.ReadFull(h, read[:]); err != nil {
		return write, read, fmt.Errorf("failed to read read key: %w", err)
	}
	return
}

func (nh *Handshake) postIncrementCounter() uint32 {
	count := nh.counter
	nh.counter++
	return count
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// generateIV builds the 12-byte nonce: zeroes with the big-endian
// counter in the low 4 bytes.
func generateIV(count uint32) []byte {
	iv := make([]byte, 12)
	binary.BigEndian.PutUint32(iv[8:], count)
	return iv
}
