package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Opcode identifies a websocket frame type per RFC 6455.
type Opcode byte

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

const (
	websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	finBit  = 0x80
	maskBit = 0x80

	// Budget of control frames consumed within a single ReadMessage call.
	// A peer flooding ping/pong must not pin the reader forever.
	maxControlFrames = 32

	// Inbound messages are capped slightly above the application frame
	// limit; anything larger cannot be a legitimate frame.
	maxMessageSize = FrameMaxSize + 4096

	defaultDialTimeout = 20 * time.Second
	closeStatusNormal  = 1000
)

// WSConfig carries the dial-time options for a websocket connection.
type WSConfig struct {
	// Origin is sent as the Origin header of the upgrade request.
	Origin string
	// TLSConfig overrides the TLS client configuration for wss endpoints.
	TLSConfig *tls.Config
	// DialTimeout bounds the TCP connect. Zero means the default.
	DialTimeout time.Duration
	// Headers are extra headers added to the upgrade request.
	Headers map[string]string
}

// WSConn is a client-side websocket connection over TCP or TLS. It is
// safe for one concurrent reader and one concurrent writer; multiple
// callers on the same path need external serialization.
type WSConn struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex

	closed      atomic.Bool
	remoteClose atomic.Bool
	closeOnce   sync.Once
}

// DialWebSocket connects to a ws:// or wss:// URL and performs the
// RFC 6455 client upgrade. The connection is TLS-wrapped when the
// scheme is wss or the port is 443.
func DialWebSocket(ctx context.Context, rawURL string, cfg *WSConfig) (*WSConn, error) {
	if cfg == nil {
		cfg = &WSConfig{}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url: %v", ErrUpgradeFailed, err)
	}

	host, port, secure, err := resolveEndpoint(u)
	if err != nil {
		return nil, err
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}

	logrus.WithFields(logrus.Fields{
		"host":   host,
		"port":   port,
		"secure": secure,
	}).Debug("Dialing websocket endpoint")

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	if secure {
		tlsConfig := cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		} else {
			tlsConfig = tlsConfig.Clone()
		}
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = host
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake failed: %w", err)
		}
		conn = tlsConn
	}

	ws := &WSConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	if err := ws.upgrade(host, path, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return ws, nil
}

func resolveEndpoint(u *url.URL) (host, port string, secure bool, err error) {
	switch u.Scheme {
	case "ws":
		port = "80"
	case "wss":
		port = "443"
		secure = true
	default:
		return "", "", false, fmt.Errorf("%w: unsupported scheme %q", ErrUpgradeFailed, u.Scheme)
	}
	host = u.Hostname()
	if host == "" {
		return "", "", false, fmt.Errorf("%w: missing host", ErrUpgradeFailed)
	}
	if p := u.Port(); p != "" {
		port = p
	}
	if port == "443" {
		secure = true
	}
	return host, port, secure, nil
}

// upgrade issues the HTTP/1.1 Upgrade request and validates the
// 101 Switching Protocols response, including the accept key echo.
func (ws *WSConn) upgrade(host, path string, cfg *WSConfig) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate websocket key: %w", err)
	}
	key := base64.StdEncoding.EncodeToString(nonce)

	var req strings.Builder
	fmt.Fprintf(&req, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&req, "Host: %s\r\n", host)
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&req, "Sec-WebSocket-Key: %s\r\n", key)
	req.WriteString("Sec-WebSocket-Version: 13\r\n")
	if cfg.Origin != "" {
		fmt.Fprintf(&req, "Origin: %s\r\n", cfg.Origin)
	}
	for name, value := range cfg.Headers {
		fmt.Fprintf(&req, "%s: %s\r\n", name, value)
	}
	req.WriteString("\r\n")

	if _, err := ws.conn.Write([]byte(req.String())); err != nil {
		return fmt.Errorf("failed to send upgrade request: %w", err)
	}

	tp := textproto.NewReader(ws.reader)
	statusLine, err := tp.ReadLine()
	if err != nil {
		return fmt.Errorf("failed to read upgrade response: %w", err)
	}
	if !strings.HasPrefix(statusLine, "HTTP/1.1 101") {
		return fmt.Errorf("%w: unexpected status %q", ErrUpgradeFailed, statusLine)
	}

	headers, err := tp.ReadMIMEHeader()
	if err != nil {
		return fmt.Errorf("failed to read upgrade headers: %w", err)
	}
	if accept := headers.Get("Sec-Websocket-Accept"); accept != acceptKey(key) {
		return fmt.Errorf("%w: bad Sec-WebSocket-Accept %q", ErrUpgradeFailed, accept)
	}

	logrus.WithField("host", host).Debug("Websocket upgrade complete")
	return nil
}

// acceptKey computes the expected Sec-WebSocket-Accept value for a key.
func acceptKey(key string) string {
	h := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

// WriteMessage sends a single unfragmented message with the given
// opcode. Every client frame carries a fresh random 4-byte mask.
func (ws *WSConn) WriteMessage(opcode Opcode, payload []byte) error {
	if ws == nil || ws.conn == nil {
		return ErrNotConnected
	}
	if ws.closed.Load() {
		return ErrNotConnected
	}

	var maskKey [4]byte
	if _, err := rand.Read(maskKey[:]); err != nil {
		return fmt.Errorf("failed to generate mask: %w", err)
	}

	frame := appendFrameHeader(nil, true, opcode, true, maskKey, len(payload))
	start := len(frame)
	frame = append(frame, payload...)
	maskBytes(frame[start:], maskKey)

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if _, err := ws.conn.Write(frame); err != nil {
		if ws.closed.Load() {
			return ErrConnectionClosed
		}
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadMessage returns the next complete data message, transparently
// answering pings, consuming pongs and reassembling fragmented
// messages in arrival order. Control frames are handled in a bounded
// loop rather than recursion so a ping flood cannot grow the stack or
// pin the reader.
func (ws *WSConn) ReadMessage() ([]byte, error) {
	if ws == nil || ws.conn == nil {
		return nil, ErrNotConnected
	}

	var message []byte
	assembling := false
	controlBudget := maxControlFrames

	for {
		frame, err := ws.readFrame()
		if err != nil {
			if ws.closed.Load() {
				return nil, ErrConnectionClosed
			}
			return nil, err
		}

		switch frame.opcode {
		case OpcodePing:
			controlBudget--
			if controlBudget <= 0 {
				ws.teardown()
				return nil, ErrControlFlood
			}
			if err := ws.WriteMessage(OpcodePong, frame.payload); err != nil {
				return nil, err
			}
		case OpcodePong:
			controlBudget--
			if controlBudget <= 0 {
				ws.teardown()
				return nil, ErrControlFlood
			}
		case OpcodeClose:
			ws.remoteClose.Store(true)
			ws.teardown()
			return nil, ErrConnectionClosed
		case OpcodeContinuation:
			if !assembling {
				ws.teardown()
				return nil, fmt.Errorf("%w: continuation frame without a message start", ErrConnectionClosed)
			}
			message = append(message, frame.payload...)
			// The per-frame cap does not bound a fragmented message, so
			// the reassembled length is checked too.
			if len(message) > maxMessageSize {
				ws.teardown()
				return nil, fmt.Errorf("%w (%d bytes reassembled)", ErrMessageTooLarge, len(message))
			}
			if frame.fin {
				return message, nil
			}
		case OpcodeBinary, OpcodeText:
			if assembling {
				ws.teardown()
				return nil, fmt.Errorf("%w: new data frame inside a fragmented message", ErrConnectionClosed)
			}
			message = append(message, frame.payload...)
			if frame.fin {
				return message, nil
			}
			assembling = true
		default:
			ws.teardown()
			return nil, fmt.Errorf("%w: reserved opcode %#x", ErrConnectionClosed, byte(frame.opcode))
		}
	}
}

type wsFrame struct {
	fin     bool
	opcode  Opcode
	payload []byte
}

// readFrame parses one frame off the wire: 2-byte base header,
// extended length (126 selects 16-bit, 127 selects 64-bit), optional
// mask key and payload. The length field is never trusted beyond the
// message cap.
func (ws *WSConn) readFrame() (*wsFrame, error) {
	var header [2]byte
	if _, err := io.ReadFull(ws.reader, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	frame := &wsFrame{
		fin:    header[0]&finBit != 0,
		opcode: Opcode(header[0] & 0x0F),
	}
	masked := header[1]&maskBit != 0
	length := uint64(header[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(ws.reader, ext[:]); err != nil {
			return nil, fmt.Errorf("failed to read extended length: %w", err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(ws.reader, ext[:]); err != nil {
			return nil, fmt.Errorf("failed to read extended length: %w", err)
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	if length > maxMessageSize {
		ws.teardown()
		return nil, fmt.Errorf("%w (%d bytes)", ErrMessageTooLarge, length)
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(ws.reader, maskKey[:]); err != nil {
			return nil, fmt.Errorf("failed to read mask key: %w", err)
		}
	}

	frame.payload = make([]byte, length)
	if _, err := io.ReadFull(ws.reader, frame.payload); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	if masked {
		maskBytes(frame.payload, maskKey)
	}
	return frame, nil
}

// appendFrameHeader encodes the base header, the extended length and
// the mask key for an outbound frame.
func appendFrameHeader(buf []byte, fin bool, opcode Opcode, masked bool, maskKey [4]byte, length int) []byte {
	b0 := byte(opcode)
	if fin {
		b0 |= finBit
	}
	buf = append(buf, b0)

	var b1 byte
	if masked {
		b1 = maskBit
	}
	switch {
	case length < 126:
		buf = append(buf, b1|byte(length))
	case length <= 0xFFFF:
		buf = append(buf, b1|126)
		buf = binary.BigEndian.AppendUint16(buf, uint16(length))
	default:
		buf = append(buf, b1|127)
		buf = binary.BigEndian.AppendUint64(buf, uint64(length))
	}

	if masked {
		buf = append(buf, maskKey[:]...)
	}
	return buf
}

// maskBytes XORs data in place with the mask key, cycling every 4 bytes.
// Masking is an involution: applying it twice restores the input.
func maskBytes(data []byte, key [4]byte) {
	for i := range data {
		data[i] ^= key[i&3]
	}
}

// Close sends a close frame and shuts down the underlying connection.
// Any blocked read is unblocked with ErrConnectionClosed. Safe to call
// more than once.
func (ws *WSConn) Close() error {
	if ws == nil || ws.conn == nil {
		return ErrNotConnected
	}
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], closeStatusNormal)
	// Best effort: the peer may already be gone.
	_ = ws.WriteMessage(OpcodeClose, payload[:])
	ws.teardown()
	return nil
}

// RemoteClosed reports whether the peer initiated the shutdown.
func (ws *WSConn) RemoteClosed() bool {
	return ws.remoteClose.Load()
}

func (ws *WSConn) teardown() {
	ws.closeOnce.Do(func() {
		ws.closed.Store(true)
		ws.conn.Close()
	})
}
