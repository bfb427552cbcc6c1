package wasocket

import "errors"

var (
	// ErrAlreadyConnected indicates Connect was called on a live client.
	ErrAlreadyConnected = errors.New("client is already connected")
	// ErrNotConnected indicates an operation that needs an established channel.
	ErrNotConnected = errors.New("client is not connected")
	// ErrHandshakeFailed indicates a fatal handshake protocol or
	// cryptographic failure. The connection is closed.
	ErrHandshakeFailed = errors.New("noise handshake failed")
	// ErrInvalidResponse indicates a ServerHello with missing or
	// malformed fields.
	ErrInvalidResponse = errors.New("invalid handshake response")
	// ErrHandshakeTimeout indicates the server response did not arrive
	// within the handshake timeout.
	ErrHandshakeTimeout = errors.New("timed out waiting for handshake response")
)
