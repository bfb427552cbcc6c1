// Package wire encodes and decodes the binary handshake messages
// exchanged during connection setup. The encoding is protobuf wire
// format, written by hand with protowire so the repository does not
// carry generated code for three small messages.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the HandshakeMessage envelope and its variants.
const (
	fieldClientHello  = 2
	fieldServerHello  = 3
	fieldClientFinish = 4

	fieldHelloEphemeral = 1

	fieldServerEphemeral = 1
	fieldServerStatic    = 2
	fieldServerPayload   = 3

	fieldFinishStatic  = 1
	fieldFinishPayload = 2
)

var (
	// ErrNoVariant indicates a HandshakeMessage without exactly one variant set.
	ErrNoVariant = errors.New("handshake message must contain exactly one variant")
	// ErrMalformed indicates bytes that do not parse as a handshake message.
	ErrMalformed = errors.New("malformed handshake message")
)

// ClientHello is the first handshake message: the client's ephemeral
// public key, sent in the clear.
type ClientHello struct {
	Ephemeral []byte
}

// ServerHello is the second handshake message: the server's ephemeral
// key in the clear plus its encrypted static key and encrypted
// certificate chain.
type ServerHello struct {
	Ephemeral []byte
	Static    []byte
	Payload   []byte
}

// ClientFinish is the third handshake message: the client's encrypted
// static key and encrypted registration payload.
type ClientFinish struct {
	Static  []byte
	Payload []byte
}

// HandshakeMessage carries exactly one of the three handshake variants.
type HandshakeMessage struct {
	ClientHello  *ClientHello
	ServerHello  *ServerHello
	ClientFinish *ClientFinish
}

// Marshal encodes the message. Exactly one variant must be set.
func (m *HandshakeMessage) Marshal() ([]byte, error) {
	set := 0
	if m.ClientHello != nil {
		set++
	}
	if m.ServerHello != nil {
		set++
	}
	if m.ClientFinish != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrNoVariant, set)
	}

	var buf []byte
	switch {
	case m.ClientHello != nil:
		inner := appendBytesField(nil, fieldHelloEphemeral, m.ClientHello.Ephemeral)
		buf = appendMessageField(buf, fieldClientHello, inner)
	case m.ServerHello != nil:
		inner := appendBytesField(nil, fieldServerEphemeral, m.ServerHello.Ephemeral)
		inner = appendBytesField(inner, fieldServerStatic, m.ServerHello.Static)
		inner = appendBytesField(inner, fieldServerPayload, m.ServerHello.Payload)
		buf = appendMessageField(buf, fieldServerHello, inner)
	case m.ClientFinish != nil:
		inner := appendBytesField(nil, fieldFinishStatic, m.ClientFinish.Static)
		inner = appendBytesField(inner, fieldFinishPayload, m.ClientFinish.Payload)
		buf = appendMessageField(buf, fieldClientFinish, inner)
	}
	return buf, nil
}

// Unmarshal decodes a handshake message. Unknown fields are skipped;
// anything that does not parse as protobuf wire format, or that does
// not carry exactly one variant, is rejected.
func Unmarshal(data []byte) (*HandshakeMessage, error) {
	msg := &HandshakeMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag", ErrMalformed)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad field %d", ErrMalformed, num)
			}
			data = data[n:]
			continue
		}

		inner, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad length for field %d", ErrMalformed, num)
		}
		data = data[n:]

		var err error
		switch num {
		case fieldClientHello:
			msg.ClientHello, err = parseClientHello(inner)
		case fieldServerHello:
			msg.ServerHello, err = parseServerHello(inner)
		case fieldClientFinish:
			msg.ClientFinish, err = parseClientFinish(inner)
		}
		if err != nil {
			return nil, err
		}
	}
	if count := msg.variantCount(); count != 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrNoVariant, count)
	}
	return msg, nil
}

func parseClientHello(data []byte) (*ClientHello, error) {
	hello := &ClientHello{}
	err := eachBytesField(data, func(num protowire.Number, value []byte) {
		if num == fieldHelloEphemeral {
			hello.Ephemeral = value
		}
	})
	if err != nil {
		return nil, err
	}
	return hello, nil
}

func parseServerHello(data []byte) (*ServerHello, error) {
	hello := &ServerHello{}
	err := eachBytesField(data, func(num protowire.Number, value []byte) {
		switch num {
		case fieldServerEphemeral:
			hello.Ephemeral = value
		case fieldServerStatic:
			hello.Static = value
		case fieldServerPayload:
			hello.Payload = value
		}
	})
	if err != nil {
		return nil, err
	}
	return hello, nil
}

func parseClientFinish(data []byte) (*ClientFinish, error) {
	finish := &ClientFinish{}
	err := eachBytesField(data, func(num protowire.Number, value []byte) {
		switch num {
		case fieldFinishStatic:
			finish.Static = value
		case fieldFinishPayload:
			finish.Payload = value
		}
	})
	if err != nil {
		return nil, err
	}
	return finish, nil
}

// eachBytesField walks a nested message, invoking fn for every
// length-delimited field and skipping any other field type.
func eachBytesField(data []byte, fn func(num protowire.Number, value []byte)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: bad inner tag", ErrMalformed)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: bad inner field %d", ErrMalformed, num)
			}
			data = data[n:]
			continue
		}

		value, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("%w: bad inner length for field %d", ErrMalformed, num)
		}
		data = data[n:]
		fn(num, value)
	}
	return nil
}

func appendBytesField(buf []byte, num protowire.Number, value []byte) []byte {
	if value == nil {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, value)
}

func appendMessageField(buf []byte, num protowire.Number, inner []byte) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendBytes(buf, inner)
}
