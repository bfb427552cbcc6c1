package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// DeriveSharedSecret computes a shared secret between two parties using
// Elliptic Curve Diffie-Hellman (ECDH) on Curve25519.
//
// X25519 rejects low-order peer public keys, so an all-zero shared
// secret can never be returned.
func DeriveSharedSecret(privateKey, peerPublicKey [32]byte) ([32]byte, error) {
	sharedSecret, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
			"error":    err.Error(),
		}).Error("X25519 computation failed")
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [32]byte
	copy(result[:], sharedSecret)
	ZeroBytes(sharedSecret)
	return result, nil
}
