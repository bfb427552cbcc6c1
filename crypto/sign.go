package crypto

import (
	"crypto/ed25519"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// Sign creates an Ed25519 signature for a message. The 32-byte private
// key is used as an Ed25519 seed, matching how identity keys are stored.
func Sign(message []byte, privateKey [32]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])
	signatureBytes := ed25519.Sign(edPrivateKey, message)

	var signature Signature
	copy(signature[:], signatureBytes)
	return signature, nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message []byte, signature Signature, publicKey [32]byte) bool {
	if len(message) == 0 {
		return false
	}
	return ed25519.Verify(publicKey[:], message, signature[:])
}

// SigningPublicKey derives the Ed25519 public key for a 32-byte seed
// private key. Needed by peers verifying pre-key signatures.
func SigningPublicKey(privateKey [32]byte) [32]byte {
	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])
	var pub [32]byte
	copy(pub[:], edPrivateKey.Public().(ed25519.PublicKey))
	return pub
}
