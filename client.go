// Package wasocket implements a client for the encrypted websocket
// channel of the messaging platform edge server: websocket transport,
// length-prefixed framing, the Noise-style handshake and the encrypted
// steady-state socket, assembled into one connectable client.
package wasocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jlucaso1/wasocket/crypto"
	"github.com/jlucaso1/wasocket/noise"
	"github.com/jlucaso1/wasocket/transport"
)

// Handler receives each decrypted inbound frame. Handlers run on the
// client's dispatch goroutine, in frame arrival order, and must not
// block for long.
type Handler func(frame []byte)

// Config carries the connection parameters of a Client. The zero value
// of every field has a usable default except TrustRoot, which callers
// must always provide.
type Config struct {
	// URL is the websocket endpoint. Defaults to the production URL.
	URL string
	// Origin is the Origin header of the upgrade request.
	Origin string
	// TrustRoot is the Ed25519 public key the server certificate chain
	// must descend from.
	TrustRoot [32]byte
	// PayloadBuilder supplies the registration payload encrypted into
	// ClientFinish. Defaults to a fresh-registration builder.
	PayloadBuilder PayloadBuilder
	// TLSConfig, if set, overrides TLS settings for wss endpoints.
	TLSConfig *tls.Config
	// DialTimeout bounds the TCP connect and websocket upgrade.
	DialTimeout time.Duration
	// HandshakeTimeout bounds the wait for the ServerHello. Defaults to
	// 20 seconds.
	HandshakeTimeout time.Duration
	// CompatScanHandshakeFrame enables the lenient decoder that skips
	// up to 20 bytes of leading garbage on the server's handshake
	// frame. Only needed against one known-broken peer.
	CompatScanHandshakeFrame bool
}

// Client is a connection to the edge server. A Client may be connected
// and disconnected repeatedly; each Connect runs a full handshake with
// fresh ephemeral keys.
type Client struct {
	url    string
	origin string

	payloadBuilder   PayloadBuilder
	certVerifier     *noise.CertVerifier
	tlsConfig        *tls.Config
	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	compatScan       bool

	socketLock sync.Mutex
	socket     *noise.Socket

	handlerLock   sync.RWMutex
	handlers      map[uint32]Handler
	nextHandlerID uint32

	handlerQueue chan []byte
}

// New creates a client from the given configuration.
func New(cfg Config) *Client {
	cli := &Client{
		url:              cfg.URL,
		origin:           cfg.Origin,
		payloadBuilder:   cfg.PayloadBuilder,
		certVerifier:     noise.NewCertVerifier(cfg.TrustRoot),
		tlsConfig:        cfg.TLSConfig,
		dialTimeout:      cfg.DialTimeout,
		handshakeTimeout: cfg.HandshakeTimeout,
		compatScan:       cfg.CompatScanHandshakeFrame,
		handlers:         make(map[uint32]Handler),
		handlerQueue:     make(chan []byte, handlerQueueSize),
	}
	if cli.url == "" {
		cli.url = URL
	}
	if cli.origin == "" {
		cli.origin = Origin
	}
	if cli.payloadBuilder == nil {
		cli.payloadBuilder = registrationPayloadBuilder{}
	}
	return cli
}

// Connect dials the endpoint, runs the handshake and starts the frame
// dispatch loop. It returns once the channel is established or the
// handshake has failed; a failed handshake leaves the client
// disconnected and reusable.
func (cli *Client) Connect(ctx context.Context) error {
	cli.socketLock.Lock()
	defer cli.socketLock.Unlock()
	if cli.socket != nil && cli.socket.IsConnected() {
		return ErrAlreadyConnected
	}

	ws, err := transport.DialWebSocket(ctx, cli.url, &transport.WSConfig{
		Origin:      cli.origin,
		TLSConfig:   cli.tlsConfig,
		DialTimeout: cli.dialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}

	fs := transport.NewFrameSocket(ws, ConnHeader)
	fs.Start()

	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		fs.Close()
		return fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	ns, err := cli.doHandshake(ctx, fs, ephemeral)
	if err != nil {
		return err
	}

	cli.socket = ns
	go cli.dispatchFrames(ns.Context())
	logrus.WithField("url", cli.url).Info("Connected")
	return nil
}

// Send encrypts and sends one application frame.
func (cli *Client) Send(data []byte) error {
	cli.socketLock.Lock()
	sock := cli.socket
	cli.socketLock.Unlock()
	if sock == nil || !sock.IsConnected() {
		return ErrNotConnected
	}
	return sock.SendFrame(data)
}

// Disconnect closes the connection. Safe to call when not connected.
func (cli *Client) Disconnect() {
	cli.socketLock.Lock()
	sock := cli.socket
	cli.socket = nil
	cli.socketLock.Unlock()
	if sock != nil {
		sock.Stop(true)
	}
}

// IsConnected reports whether the encrypted channel is up.
func (cli *Client) IsConnected() bool {
	cli.socketLock.Lock()
	defer cli.socketLock.Unlock()
	return cli.socket != nil && cli.socket.IsConnected()
}

// AddHandler registers a frame handler and returns an id for removal.
// Handlers survive reconnects.
func (cli *Client) AddHandler(fn Handler) uint32 {
	cli.handlerLock.Lock()
	defer cli.handlerLock.Unlock()
	id := atomic.AddUint32(&cli.nextHandlerID, 1)
	cli.handlers[id] = fn
	return id
}

// RemoveHandler unregisters the handler with the given id.
func (cli *Client) RemoveHandler(id uint32) {
	cli.handlerLock.Lock()
	defer cli.handlerLock.Unlock()
	delete(cli.handlers, id)
}

// handleFrame enqueues one decrypted frame for dispatch. When the queue
// is full the frame is handed off on a spilled goroutine instead of
// blocking the socket's read loop; ordering is lost for spilled frames.
// A spilled frame still undelivered when the connection context ends is
// dropped with a warning so the goroutine cannot outlive the connection.
func (cli *Client) handleFrame(ctx context.Context, frame []byte) {
	select {
	case cli.handlerQueue <- frame:
	default:
		logrus.WithField("queue_size", handlerQueueSize).
			Warn("Handler queue is full, dispatching frame in new goroutine")
		go func() {
			select {
			case cli.handlerQueue <- frame:
			case <-ctx.Done():
				logrus.WithField("frame_bytes", len(frame)).
					Warn("Dropping spilled frame, connection ended before dispatch")
			}
		}()
	}
}

// dispatchFrames drains the handler queue until the connection context
// ends, invoking every registered handler for each frame.
func (cli *Client) dispatchFrames(ctx context.Context) {
	for {
		select {
		case frame := <-cli.handlerQueue:
			cli.handlerLock.RLock()
			handlers := make([]Handler, 0, len(cli.handlers))
			for _, fn := range cli.handlers {
				handlers = append(handlers, fn)
			}
			cli.handlerLock.RUnlock()
			for _, fn := range handlers {
				fn(frame)
			}
		case <-ctx.Done():
			return
		}
	}
}

// onDisconnect runs once when the underlying connection goes away for
// any reason other than an explicit Disconnect.
func (cli *Client) onDisconnect(ns *noise.Socket, remote bool) {
	ns.Stop(false)
	cli.socketLock.Lock()
	if cli.socket == ns {
		cli.socket = nil
	}
	cli.socketLock.Unlock()
	logrus.WithField("remote", remote).Info("Disconnected")
}
