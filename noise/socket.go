package noise

import (
	"context"
	"crypto/cipher"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/jlucaso1/wasocket/transport"
)

// FrameHandler receives each decrypted inbound frame.
type FrameHandler func(plaintext []byte)

// DisconnectHandler is invoked once when the socket stops consuming
// frames. remote is true when the peer initiated the shutdown.
type DisconnectHandler func(socket *Socket, remote bool)

// Socket is the steady-state encrypted channel: one AEAD cipher state
// and monotonic nonce counter per direction on top of a FrameSocket.
type Socket struct {
	fs      *transport.FrameSocket
	onFrame FrameHandler

	writeKey     cipher.AEAD
	readKey      cipher.AEAD
	writeCounter uint32
	readCounter  uint32
	writeLock    sync.Mutex

	// OnDecryptError, if set, is called for every inbound frame that
	// fails authentication. The frame is dropped either way; whether
	// repeated failures warrant a teardown is the caller's policy.
	OnDecryptError func(err error)

	destroyed    atomic.Bool
	stopConsumer chan struct{}
}

// NewSocket wires the directional cipher states onto a frame socket
// and starts consuming inbound frames.
func NewSocket(fs *transport.FrameSocket, writeKey, readKey cipher.AEAD, frameHandler FrameHandler, disconnectHandler DisconnectHandler) (*Socket, error) {
	ns := &Socket{
		fs:           fs,
		writeKey:     writeKey,
		readKey:      readKey,
		onFrame:      frameHandler,
		stopConsumer: make(chan struct{}),
	}
	fs.OnDisconnect = func(remote bool) {
		if disconnectHandler != nil {
			disconnectHandler(ns, remote)
		}
	}
	go ns.consumeFrames(fs.Context(), fs.Frames)
	return ns, nil
}

func (ns *Socket) consumeFrames(ctx context.Context, frames <-chan []byte) {
	if ctx == nil {
		// ctx being nil implies the connection already closed somehow
		return
	}
	ctxDone := ctx.Done()
	for {
		select {
		case frame := <-frames:
			ns.receiveEncryptedFrame(frame)
		case <-ctxDone:
			return
		case <-ns.stopConsumer:
			return
		}
	}
}

// Context is done once the underlying frame socket has shut down.
func (ns *Socket) Context() context.Context {
	return ns.fs.Context()
}

// SendFrame seals one application payload with the write key and the
// next write nonce, then hands the ciphertext to the framing layer.
func (ns *Socket) SendFrame(plaintext []byte) error {
	ns.writeLock.Lock()
	ciphertext := ns.writeKey.Seal(nil, generateIV(ns.writeCounter), plaintext, nil)
	ns.writeCounter++
	err := ns.fs.SendFrame(ciphertext)
	ns.writeLock.Unlock()
	return err
}

// receiveEncryptedFrame opens one inbound frame. The read counter
// advances exactly once per frame even when authentication fails, so
// both peers' counters stay in step across a dropped frame; this is an
// explicit policy, not an accident. Failed frames are dropped whole.
func (ns *Socket) receiveEncryptedFrame(ciphertext []byte) {
	count := atomic.AddUint32(&ns.readCounter, 1) - 1
	plaintext, err := ns.readKey.Open(nil, generateIV(count), ciphertext, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"read_counter": count,
			"frame_bytes":  len(ciphertext),
		}).Warn("Dropping inbound frame that failed authentication")
		if ns.OnDecryptError != nil {
			ns.OnDecryptError(err)
		}
		return
	}
	ns.onFrame(plaintext)
}

// Stop halts the consumer goroutine and optionally closes the
// underlying connection. Idempotent.
func (ns *Socket) Stop(disconnect bool) {
	if ns.destroyed.CompareAndSwap(false, true) {
		close(ns.stopConsumer)
		if disconnect {
			ns.fs.Close()
		}
	}
}

// IsConnected reports whether the underlying frame socket is still up.
func (ns *Socket) IsConnected() bool {
	return !ns.fs.IsClosed()
}
