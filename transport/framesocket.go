// Package transport implements the two lowest layers of the secure
// channel: a hand-rolled client-side websocket connection and the
// length-prefixed application framing carried inside it.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	// FrameMaxSize is the exclusive upper bound for one application frame.
	FrameMaxSize = 2 << 23
	// FrameLengthSize is the size of the big-endian length prefix.
	FrameLengthSize = 3
)

// MessageConn is the subset of WSConn the frame socket needs. Tests
// substitute scripted implementations.
type MessageConn interface {
	WriteMessage(opcode Opcode, payload []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// FrameSocket turns a websocket message stream into discrete
// length-prefixed application frames. Outbound frames get a 3-byte
// big-endian length prefix (plus the one-time connection header);
// inbound bytes are reassembled across arbitrary chunk boundaries and
// emitted in order on Frames.
//
// The reassembly state is confined to the read pump goroutine; only
// SendFrame takes the lock.
type FrameSocket struct {
	conn   MessageConn
	ctx    context.Context
	cancel context.CancelFunc
	lock   sync.Mutex

	// Frames receives each completed inbound frame in arrival order.
	Frames chan []byte
	// Header is prepended to the first outbound frame only.
	Header []byte
	// OnDisconnect, if set, is called once when the read pump stops.
	// remote is true when the peer initiated the shutdown.
	OnDisconnect func(remote bool)

	incomingLength int
	receivedLength int
	incoming       []byte
	partialHeader  []byte

	started bool
	closed  bool
}

// NewFrameSocket wraps a websocket connection. The header is sent
// exactly once, prepended to the first outbound frame.
func NewFrameSocket(conn MessageConn, header []byte) *FrameSocket {
	ctx, cancel := context.WithCancel(context.Background())
	return &FrameSocket{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		Frames: make(chan []byte),
		Header: header,
	}
}

// Context is done once the frame socket has shut down.
func (fs *FrameSocket) Context() context.Context {
	return fs.ctx
}

// Start launches the read pump. It may be called at most once.
func (fs *FrameSocket) Start() {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if fs.started || fs.closed {
		return
	}
	fs.started = true
	go fs.readPump()
}

func (fs *FrameSocket) readPump() {
	for {
		msg, err := fs.conn.ReadMessage()
		if err != nil {
			remote := false
			if ws, ok := fs.conn.(*WSConn); ok {
				remote = ws.RemoteClosed()
			}
			fs.lock.Lock()
			alreadyClosed := fs.closed
			fs.closed = true
			fs.lock.Unlock()
			fs.cancel()
			if !alreadyClosed {
				logrus.WithFields(logrus.Fields{
					"remote": remote,
					"error":  err.Error(),
				}).Debug("Frame socket read pump stopped")
				if fs.OnDisconnect != nil {
					fs.OnDisconnect(remote)
				}
			}
			return
		}
		fs.ProcessData(msg)
	}
}

// SendFrame writes one application frame: [header?][3-byte length][data].
// Frames of FrameMaxSize bytes or more are rejected before any write.
func (fs *FrameSocket) SendFrame(data []byte) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if fs.closed {
		return ErrSocketClosed
	}

	dataLength := len(data)
	if dataLength >= FrameMaxSize {
		return fmt.Errorf("%w (got %d bytes, max %d bytes)", ErrFrameTooLarge, dataLength, FrameMaxSize)
	}

	headerLength := len(fs.Header)
	// Whole frame is header + 3 bytes for length + data
	wholeFrame := make([]byte, headerLength+FrameLengthSize+dataLength)

	if fs.Header != nil {
		copy(wholeFrame[:headerLength], fs.Header)
		// We only want to send the header once
		fs.Header = nil
	}

	wholeFrame[headerLength] = byte(dataLength >> 16)
	wholeFrame[headerLength+1] = byte(dataLength >> 8)
	wholeFrame[headerLength+2] = byte(dataLength)

	copy(wholeFrame[headerLength+FrameLengthSize:], data)

	return fs.conn.WriteMessage(OpcodeBinary, wholeFrame)
}

func (fs *FrameSocket) frameComplete() {
	data := fs.incoming
	fs.incoming = nil
	fs.partialHeader = nil
	fs.incomingLength = 0
	fs.receivedLength = 0
	select {
	case fs.Frames <- data:
	case <-fs.ctx.Done():
	}
}

// ProcessData consumes one chunk of inbound bytes. A chunk may carry a
// partial length prefix, part of a frame, several whole frames, or any
// combination; completed frames are emitted in order.
func (fs *FrameSocket) ProcessData(msg []byte) {
	for len(msg) > 0 {
		// This probably doesn't happen a lot (if at all), so the code is unoptimized
		if fs.partialHeader != nil {
			msg = append(fs.partialHeader, msg...)
			fs.partialHeader = nil
		}
		if fs.incoming == nil {
			if len(msg) >= FrameLengthSize {
				length := (int(msg[0]) << 16) + (int(msg[1]) << 8) + int(msg[2])
				fs.incomingLength = length
				fs.receivedLength = length
				msg = msg[FrameLengthSize:]
				if len(msg) >= length {
					fs.incoming = msg[:length]
					msg = msg[length:]
					fs.frameComplete()
				} else {
					fs.incoming = make([]byte, length)
					copy(fs.incoming, msg)
					fs.receivedLength = len(msg)
					msg = nil
				}
			} else {
				fs.partialHeader = append([]byte(nil), msg...)
				msg = nil
			}
		} else {
			if fs.receivedLength+len(msg) >= fs.incomingLength {
				copy(fs.incoming[fs.receivedLength:], msg[:fs.incomingLength-fs.receivedLength])
				msg = msg[fs.incomingLength-fs.receivedLength:]
				fs.frameComplete()
			} else {
				copy(fs.incoming[fs.receivedLength:], msg)
				fs.receivedLength += len(msg)
				msg = nil
			}
		}
	}
}

// Close tears down the connection and stops the read pump. Idempotent.
func (fs *FrameSocket) Close() {
	fs.lock.Lock()
	alreadyClosed := fs.closed
	fs.closed = true
	fs.lock.Unlock()
	fs.cancel()
	fs.conn.Close()
	if !alreadyClosed && fs.OnDisconnect != nil {
		fs.OnDisconnect(false)
	}
}

// IsClosed reports whether the socket has shut down.
func (fs *FrameSocket) IsClosed() bool {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.closed
}
