package wasocket

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jlucaso1/wasocket/crypto"
)

// PayloadBuilder supplies the registration payload that gets encrypted
// into the ClientFinish message. The secure channel treats the bytes as
// opaque: it encrypts and authenticates them but never inspects them.
type PayloadBuilder interface {
	BuildPayload() ([]byte, error)
}

// Registration payload field numbers.
const (
	fieldRegistrationID = 1
	fieldIdentityKey    = 2
	fieldSignedPreKey   = 3

	fieldPreKeyID        = 1
	fieldPreKeyPublic    = 2
	fieldPreKeySignature = 3
)

// registrationPayloadBuilder is the default builder: a fresh
// registration id plus a signed pre-key, generated per handshake.
type registrationPayloadBuilder struct{}

func (registrationPayloadBuilder) BuildPayload() ([]byte, error) {
	registrationID, err := GenerateRegistrationID()
	if err != nil {
		return nil, err
	}

	identity, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	preKey, err := identity.CreateSignedPreKey(registrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed pre-key: %w", err)
	}

	signingKey := crypto.SigningPublicKey(identity.Private)

	var preKeyMsg []byte
	preKeyMsg = protowire.AppendTag(preKeyMsg, fieldPreKeyID, protowire.VarintType)
	preKeyMsg = protowire.AppendVarint(preKeyMsg, uint64(preKey.KeyID))
	preKeyMsg = protowire.AppendTag(preKeyMsg, fieldPreKeyPublic, protowire.BytesType)
	preKeyMsg = protowire.AppendBytes(preKeyMsg, preKey.Public[:])
	preKeyMsg = protowire.AppendTag(preKeyMsg, fieldPreKeySignature, protowire.BytesType)
	preKeyMsg = protowire.AppendBytes(preKeyMsg, preKey.Signature[:])

	var payload []byte
	payload = protowire.AppendTag(payload, fieldRegistrationID, protowire.VarintType)
	payload = protowire.AppendVarint(payload, uint64(registrationID))
	payload = protowire.AppendTag(payload, fieldIdentityKey, protowire.BytesType)
	payload = protowire.AppendBytes(payload, signingKey[:])
	payload = protowire.AppendTag(payload, fieldSignedPreKey, protowire.BytesType)
	payload = protowire.AppendBytes(payload, preKeyMsg)
	return payload, nil
}

// GenerateRegistrationID returns a random 14-bit registration id.
func GenerateRegistrationID() (uint32, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to generate registration id: %w", err)
	}
	return uint32(binary.BigEndian.Uint16(b[:])) & 16383, nil
}
