package crypto

// djbTypePrefix is prepended to a Curve25519 public key before signing,
// identifying the key type in the signed blob.
const djbTypePrefix = 0x05

// PreKey is a Curve25519 key pair published with a numeric ID and,
// once signed by an identity key, a 64-byte signature over its public
// key. Immutable after creation.
type PreKey struct {
	KeyPair
	KeyID     uint32
	Signature *[64]byte
}

// NewPreKey generates a fresh pre-key with the given ID.
func NewPreKey(keyID uint32) (*PreKey, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &PreKey{
		KeyPair: *kp,
		KeyID:   keyID,
	}, nil
}

// CreateSignedPreKey generates a new pre-key and signs its public key
// with this key pair acting as the identity key.
func (kp *KeyPair) CreateSignedPreKey(keyID uint32) (*PreKey, error) {
	newKey, err := NewPreKey(keyID)
	if err != nil {
		return nil, err
	}
	sig, err := kp.SignKey(&newKey.KeyPair)
	if err != nil {
		return nil, err
	}
	newKey.Signature = sig
	return newKey, nil
}

// SignKey signs another key pair's public key with this identity key.
// The signed message is the type-prefixed public key.
func (kp *KeyPair) SignKey(keyToSign *KeyPair) (*[64]byte, error) {
	message := make([]byte, 33)
	message[0] = djbTypePrefix
	copy(message[1:], keyToSign.Public[:])

	signature, err := Sign(message, kp.Private)
	if err != nil {
		return nil, err
	}
	sig := [64]byte(signature)
	return &sig, nil
}

// VerifySignedKey checks a pre-key signature against the signer's
// Ed25519 public key.
func VerifySignedKey(signedPublic [32]byte, signature [64]byte, signerPublic [32]byte) bool {
	message := make([]byte, 33)
	message[0] = djbTypePrefix
	copy(message[1:], signedPublic[:])
	return Verify(message, Signature(signature), signerPublic)
}
