package transport

import "errors"

var (
	// ErrNotConnected indicates an operation on a socket that is not open.
	ErrNotConnected = errors.New("websocket is not connected")
	// ErrConnectionClosed indicates the peer closed the connection or a
	// local close unblocked an in-flight read.
	ErrConnectionClosed = errors.New("websocket connection closed")
	// ErrUpgradeFailed indicates the HTTP upgrade handshake was rejected.
	ErrUpgradeFailed = errors.New("websocket upgrade failed")
	// ErrControlFlood indicates the peer sent only control frames for
	// longer than the per-read budget allows.
	ErrControlFlood = errors.New("too many consecutive control frames")
	// ErrMessageTooLarge indicates an inbound websocket message above the
	// sanity cap.
	ErrMessageTooLarge = errors.New("websocket message too large")
	// ErrFrameTooLarge indicates an outbound application frame at or above
	// the 2^24 byte framing limit.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrSocketClosed indicates the frame socket was already closed.
	ErrSocketClosed = errors.New("frame socket is closed")
)
