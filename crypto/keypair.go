// Package crypto implements the cryptographic primitives for the secure
// channel: Curve25519 key pairs, ECDH shared secrets, Ed25519 signatures
// and signed pre-keys.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// KeyPair represents a Curve25519 key pair used for the Noise handshake.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Curve25519 key pair. The private
// key is clamped per Curve25519 convention before the public key is
// derived.
func GenerateKeyPair() (*KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, err
	}

	clampPrivateKey(&priv)

	return FromPrivateKey(priv)
}

// FromPrivateKey creates a key pair from an existing private key by
// deriving the matching public key.
func FromPrivateKey(privateKey [32]byte) (*KeyPair, error) {
	if isZeroKey(privateKey) {
		return nil, errors.New("invalid private key: all zeros")
	}

	kp := &KeyPair{Private: privateKey}
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// clampPrivateKey clears the low 3 bits of byte 0 and the high bit of
// byte 31, and sets bit 6 of byte 31.
func clampPrivateKey(priv *[32]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
