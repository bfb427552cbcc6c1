package noise

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jlucaso1/wasocket/crypto"
)

// ErrCertInvalid indicates a server certificate chain that failed
// structural or signature validation.
var ErrCertInvalid = errors.New("invalid server certificate")

// Certificate chain field numbers. Strict parsing only: certificate
// material never goes through lenient cleanup.
const (
	fieldIntermediate = 1
	fieldLeaf         = 2

	fieldCertDetails   = 1
	fieldCertSignature = 2

	fieldDetailsSerial       = 1
	fieldDetailsIssuerSerial = 2
	fieldDetailsKey          = 3
)

// Certificate is one link of the server certificate chain: opaque
// details bytes and an Ed25519 signature over them. Details stay in
// encoded form so the signature check covers exactly what was signed.
type Certificate struct {
	Details   []byte
	Signature []byte
}

// CertDetails is the decoded payload of one certificate.
type CertDetails struct {
	Serial       uint32
	IssuerSerial uint32
	Key          []byte
}

// CertChain is the decrypted certificate payload of a ServerHello:
// an intermediate certificate signed by the platform trust root and a
// leaf signed by the intermediate.
type CertChain struct {
	Intermediate Certificate
	Leaf         Certificate
}

// CertVerifier validates server certificate chains against one trust
// root. The root is supplied by the caller; this package has no
// built-in trust anchors.
type CertVerifier struct {
	root [32]byte
}

// NewCertVerifier builds a verifier for the given Ed25519 trust root.
func NewCertVerifier(root [32]byte) *CertVerifier {
	return &CertVerifier{root: root}
}

// Verify checks the decrypted certificate payload: the intermediate
// must be signed by the trust root, the leaf by the intermediate, the
// issuer serials must chain, and the leaf key must equal the server's
// decrypted static key. Any failure is fatal.
func (v *CertVerifier) Verify(certBytes, staticKey []byte) error {
	chain, err := UnmarshalCertChain(certBytes)
	if err != nil {
		return err
	}

	if !verifySignature(chain.Intermediate, v.root) {
		return fmt.Errorf("%w: intermediate not signed by trust root", ErrCertInvalid)
	}
	intermediate, err := UnmarshalCertDetails(chain.Intermediate.Details)
	if err != nil {
		return err
	}

	if !verifySignature(chain.Leaf, [32]byte(intermediate.Key)) {
		return fmt.Errorf("%w: leaf not signed by intermediate", ErrCertInvalid)
	}
	leaf, err := UnmarshalCertDetails(chain.Leaf.Details)
	if err != nil {
		return err
	}

	if leaf.IssuerSerial != intermediate.Serial {
		return fmt.Errorf("%w: issuer serial mismatch (%d != %d)",
			ErrCertInvalid, leaf.IssuerSerial, intermediate.Serial)
	}
	if len(staticKey) != 32 || subtle.ConstantTimeCompare(leaf.Key, staticKey) != 1 {
		return fmt.Errorf("%w: leaf key does not match server static key", ErrCertInvalid)
	}
	return nil
}

func verifySignature(cert Certificate, signerKey [32]byte) bool {
	if len(cert.Signature) != crypto.SignatureSize || len(cert.Details) == 0 {
		return false
	}
	return crypto.Verify(cert.Details, crypto.Signature(cert.Signature), signerKey)
}

// Marshal encodes the chain for transmission. Used by server-side
// tooling and tests.
func (c *CertChain) Marshal() []byte {
	var buf []byte
	buf = appendCert(buf, fieldIntermediate, c.Intermediate)
	buf = appendCert(buf, fieldLeaf, c.Leaf)
	return buf
}

func appendCert(buf []byte, num protowire.Number, cert Certificate) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fieldCertDetails, protowire.BytesType)
	inner = protowire.AppendBytes(inner, cert.Details)
	inner = protowire.AppendTag(inner, fieldCertSignature, protowire.BytesType)
	inner = protowire.AppendBytes(inner, cert.Signature)

	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, inner)
}

// Marshal encodes certificate details for signing.
func (d *CertDetails) Marshal() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldDetailsSerial, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(d.Serial))
	buf = protowire.AppendTag(buf, fieldDetailsIssuerSerial, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(d.IssuerSerial))
	buf = protowire.AppendTag(buf, fieldDetailsKey, protowire.BytesType)
	buf = protowire.AppendBytes(buf, d.Key)
	return buf
}

// UnmarshalCertChain decodes a certificate chain. Both links must be
// present and well formed.
func UnmarshalCertChain(data []byte) (*CertChain, error) {
	chain := &CertChain{}
	var haveIntermediate, haveLeaf bool

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: malformed chain", ErrCertInvalid)
		}
		data = data[n:]
		inner, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: malformed chain entry", ErrCertInvalid)
		}
		data = data[n:]

		cert, err := unmarshalCert(inner)
		if err != nil {
			return nil, err
		}
		switch num {
		case fieldIntermediate:
			chain.Intermediate = cert
			haveIntermediate = true
		case fieldLeaf:
			chain.Leaf = cert
			haveLeaf = true
		}
	}
	if !haveIntermediate || !haveLeaf {
		return nil, fmt.Errorf("%w: chain is missing a certificate", ErrCertInvalid)
	}
	return chain, nil
}

func unmarshalCert(data []byte) (Certificate, error) {
	var cert Certificate
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return cert, fmt.Errorf("%w: malformed certificate", ErrCertInvalid)
		}
		data = data[n:]
		value, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return cert, fmt.Errorf("%w: malformed certificate field", ErrCertInvalid)
		}
		data = data[n:]

		switch num {
		case fieldCertDetails:
			cert.Details = value
		case fieldCertSignature:
			cert.Signature = value
		}
	}
	return cert, nil
}

// UnmarshalCertDetails decodes the details of one certificate. The key
// must be exactly 32 bytes.
func UnmarshalCertDetails(data []byte) (*CertDetails, error) {
	details := &CertDetails{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: malformed details", ErrCertInvalid)
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: malformed details varint", ErrCertInvalid)
			}
			data = data[n:]
			switch num {
			case fieldDetailsSerial:
				details.Serial = uint32(value)
			case fieldDetailsIssuerSerial:
				details.IssuerSerial = uint32(value)
			}
		case protowire.BytesType:
			value, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: malformed details field", ErrCertInvalid)
			}
			data = data[n:]
			if num == fieldDetailsKey {
				details.Key = value
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: malformed details field %d", ErrCertInvalid, num)
			}
			data = data[n:]
		}
	}
	if len(details.Key) != 32 {
		return nil, fmt.Errorf("%w: certificate key must be 32 bytes, got %d", ErrCertInvalid, len(details.Key))
	}
	return details, nil
}
