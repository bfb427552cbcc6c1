package wasocket

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jlucaso1/wasocket/crypto"
	"github.com/jlucaso1/wasocket/noise"
	"github.com/jlucaso1/wasocket/transport"
	"github.com/jlucaso1/wasocket/wire"
)

// handshakeState tracks progress through the three-message handshake.
// Transitions only move forward; any failure jumps to hsFailed and the
// connection is torn down.
type handshakeState int

const (
	hsInit handshakeState = iota
	hsSentHello
	hsReceivedServerHello
	hsVerifiedCert
	hsSentFinish
	hsEstablished
	hsFailed
)

func (s handshakeState) String() string {
	switch s {
	case hsInit:
		return "init"
	case hsSentHello:
		return "sent-hello"
	case hsReceivedServerHello:
		return "received-server-hello"
	case hsVerifiedCert:
		return "verified-cert"
	case hsSentFinish:
		return "sent-finish"
	case hsEstablished:
		return "established"
	case hsFailed:
		return "failed"
	}
	return fmt.Sprintf("handshakeState(%d)", int(s))
}

// doHandshake runs the initiator side of the handshake over the given
// frame socket and, on success, returns the established noise socket.
// On any failure the frame socket is closed before returning.
func (cli *Client) doHandshake(ctx context.Context, fs *transport.FrameSocket, ephemeral *crypto.KeyPair) (*noise.Socket, error) {
	state := hsInit
	fail := func(next error) (*noise.Socket, error) {
		logrus.WithFields(logrus.Fields{
			"state": state.String(),
			"error": next.Error(),
		}).Error("Handshake failed")
		state = hsFailed
		fs.Close()
		return nil, next
	}

	nh := noise.NewHandshake()
	if err := nh.Start(NoiseStartPattern, ConnHeader); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
	}
	nh.Authenticate(ephemeral.Public[:])

	helloMsg := wire.HandshakeMessage{
		ClientHello: &wire.ClientHello{Ephemeral: ephemeral.Public[:]},
	}
	helloBytes, err := helloMsg.Marshal()
	if err != nil {
		return fail(fmt.Errorf("%w: failed to marshal ClientHello: %v", ErrHandshakeFailed, err))
	}
	if err := fs.SendFrame(helloBytes); err != nil {
		return fail(fmt.Errorf("%w: failed to send ClientHello: %v", ErrHandshakeFailed, err))
	}
	state = hsSentHello

	respBytes, err := cli.waitHandshakeFrame(ctx, fs)
	if err != nil {
		return fail(err)
	}

	resp, err := cli.decodeHandshakeFrame(respBytes)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrInvalidResponse, err))
	}
	serverHello := resp.ServerHello
	if serverHello == nil {
		return fail(fmt.Errorf("%w: missing ServerHello", ErrInvalidResponse))
	}
	if len(serverHello.Ephemeral) != 32 {
		return fail(fmt.Errorf("%w: server ephemeral key is %d bytes, expected 32", ErrInvalidResponse, len(serverHello.Ephemeral)))
	}
	if len(serverHello.Static) == 0 || len(serverHello.Payload) == 0 {
		return fail(fmt.Errorf("%w: ServerHello is missing encrypted material", ErrInvalidResponse))
	}
	state = hsReceivedServerHello

	serverEphemeral := [32]byte(serverHello.Ephemeral)
	nh.Authenticate(serverEphemeral[:])
	if err := nh.MixSharedSecretIntoKey(ephemeral.Private, serverEphemeral); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
	}

	staticBytes, err := nh.Decrypt(serverHello.Static)
	if err != nil {
		return fail(fmt.Errorf("%w: failed to decrypt server static key: %v", ErrHandshakeFailed, err))
	}
	if len(staticBytes) != 32 {
		return fail(fmt.Errorf("%w: server static key is %d bytes, expected 32", ErrHandshakeFailed, len(staticBytes)))
	}
	serverStatic := [32]byte(staticBytes)
	if err := nh.MixSharedSecretIntoKey(ephemeral.Private, serverStatic); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
	}

	certBytes, err := nh.Decrypt(serverHello.Payload)
	if err != nil {
		return fail(fmt.Errorf("%w: failed to decrypt server certificate: %v", ErrHandshakeFailed, err))
	}
	if err := cli.certVerifier.Verify(certBytes, serverStatic[:]); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
	}
	state = hsVerifiedCert

	// The "static" of ClientFinish is the ephemeral key again: the
	// channel authenticates the server, not the client, so no long-term
	// client identity is bound here.
	encryptedEphemeral := nh.Encrypt(ephemeral.Public[:])
	if err := nh.MixSharedSecretIntoKey(ephemeral.Private, serverEphemeral); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
	}

	payload, err := cli.payloadBuilder.BuildPayload()
	if err != nil {
		return fail(fmt.Errorf("%w: failed to build registration payload: %v", ErrHandshakeFailed, err))
	}
	encryptedPayload := nh.Encrypt(payload)

	finishMsg := wire.HandshakeMessage{
		ClientFinish: &wire.ClientFinish{
			Static:  encryptedEphemeral,
			Payload: encryptedPayload,
		},
	}
	finishBytes, err := finishMsg.Marshal()
	if err != nil {
		return fail(fmt.Errorf("%w: failed to marshal ClientFinish: %v", ErrHandshakeFailed, err))
	}
	if err := fs.SendFrame(finishBytes); err != nil {
		return fail(fmt.Errorf("%w: failed to send ClientFinish: %v", ErrHandshakeFailed, err))
	}
	state = hsSentFinish

	writeKey, readKey, err := nh.Finish()
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
	}

	ns, err := noise.NewSocket(fs, writeKey, readKey, func(frame []byte) {
		cli.handleFrame(fs.Context(), frame)
	}, cli.onDisconnect)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
	}
	state = hsEstablished
	logrus.WithField("state", state.String()).Debug("Noise handshake complete")
	return ns, nil
}

// waitHandshakeFrame blocks for the next inbound frame, bounded by the
// handshake timeout, the caller's context and the socket lifetime.
func (cli *Client) waitHandshakeFrame(ctx context.Context, fs *transport.FrameSocket) ([]byte, error) {
	timeout := cli.handshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-fs.Frames:
		return frame, nil
	case <-timer.C:
		return nil, ErrHandshakeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-fs.Context().Done():
		return nil, fmt.Errorf("%w: connection closed while waiting for ServerHello", ErrHandshakeFailed)
	}
}

// decodeHandshakeFrame parses the server's handshake frame, applying
// the lenient leading-garbage scan only when the caller opted in.
func (cli *Client) decodeHandshakeFrame(data []byte) (*wire.HandshakeMessage, error) {
	if cli.compatScan {
		msg, skipped, err := wire.UnmarshalScan(data)
		if err != nil {
			return nil, err
		}
		if skipped > 0 {
			logrus.WithField("skipped_bytes", skipped).Warn("Server handshake frame had leading garbage")
		}
		return msg, nil
	}
	return wire.Unmarshal(data)
}
