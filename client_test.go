package wasocket

import (
	"context"
	"crypto/cipher"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/jlucaso1/wasocket/crypto"
	"github.com/jlucaso1/wasocket/noise"
	"github.com/jlucaso1/wasocket/wire"
)

// edgeServerBehavior scripts deviations from the correct responder
// flow, so tests can exercise each client-side rejection path.
type edgeServerBehavior struct {
	// mutateServerHello edits the correctly built ServerHello before it
	// is sent.
	mutateServerHello func(*wire.ServerHello)
	// prefixGarbage is prepended to the ServerHello bytes inside the frame.
	prefixGarbage []byte
	// silent makes the server swallow the ClientHello and never reply.
	silent bool
}

// testEdgeServer runs the responder role of the handshake behind a
// gorilla websocket server, then echoes decrypted application frames.
type testEdgeServer struct {
	t         *testing.T
	url       string
	trustRoot [32]byte

	serverStatic *crypto.KeyPair
	certBytes    []byte

	behavior edgeServerBehavior

	// gotFinish reports whether a ClientFinish arrived before the
	// client went away.
	gotFinish chan bool
	// payloads carries the decrypted registration payload of each
	// completed handshake.
	payloads chan []byte
}

func startTestEdgeServer(t *testing.T, behavior edgeServerBehavior) *testEdgeServer {
	t.Helper()

	root, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	inter, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	static, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	interKey := crypto.SigningPublicKey(inter.Private)
	interDetails := &noise.CertDetails{Serial: 10, IssuerSerial: 1, Key: interKey[:]}
	interBytes := interDetails.Marshal()
	interSig, err := crypto.Sign(interBytes, root.Private)
	require.NoError(t, err)

	leafDetails := &noise.CertDetails{Serial: 11, IssuerSerial: 10, Key: static.Public[:]}
	leafBytes := leafDetails.Marshal()
	leafSig, err := crypto.Sign(leafBytes, inter.Private)
	require.NoError(t, err)

	chain := &noise.CertChain{
		Intermediate: noise.Certificate{Details: interBytes, Signature: interSig[:]},
		Leaf:         noise.Certificate{Details: leafBytes, Signature: leafSig[:]},
	}

	srv := &testEdgeServer{
		t:            t,
		trustRoot:    crypto.SigningPublicKey(root.Private),
		serverStatic: static,
		certBytes:    chain.Marshal(),
		behavior:     behavior,
		gotFinish:    make(chan bool, 4),
		payloads:     make(chan []byte, 4),
	}

	upgrader := gorillaws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/chat" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		srv.handle(conn)
	}))
	t.Cleanup(ts.Close)
	srv.url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat"
	return srv
}

// handle runs one connection: handshake as responder, then echo.
func (s *testEdgeServer) handle(conn *gorillaws.Conn) {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if len(msg) < len(ConnHeader) || string(msg[:len(ConnHeader)]) != string(ConnHeader) {
		s.t.Error("first client message is missing the connection header")
		return
	}
	helloMsg, err := wire.Unmarshal(unframe(s.t, msg[len(ConnHeader):]))
	require.NoError(s.t, err)
	require.NotNil(s.t, helloMsg.ClientHello)
	require.Len(s.t, helloMsg.ClientHello.Ephemeral, 32)
	clientEph := [32]byte(helloMsg.ClientHello.Ephemeral)

	if s.behavior.silent {
		conn.ReadMessage() // block until the client gives up
		return
	}

	serverEph, err := crypto.GenerateKeyPair()
	require.NoError(s.t, err)

	nh := noise.NewHandshake()
	require.NoError(s.t, nh.Start(NoiseStartPattern, ConnHeader))
	nh.Authenticate(clientEph[:])
	nh.Authenticate(serverEph.Public[:])
	require.NoError(s.t, nh.MixSharedSecretIntoKey(serverEph.Private, clientEph))
	encStatic := nh.Encrypt(s.serverStatic.Public[:])
	require.NoError(s.t, nh.MixSharedSecretIntoKey(s.serverStatic.Private, clientEph))
	encCert := nh.Encrypt(s.certBytes)

	hello := &wire.ServerHello{
		Ephemeral: serverEph.Public[:],
		Static:    encStatic,
		Payload:   encCert,
	}
	if s.behavior.mutateServerHello != nil {
		s.behavior.mutateServerHello(hello)
	}
	helloBytes, err := (&wire.HandshakeMessage{ServerHello: hello}).Marshal()
	require.NoError(s.t, err)
	framed := frameBytes(append(append([]byte(nil), s.behavior.prefixGarbage...), helloBytes...))
	if conn.WriteMessage(gorillaws.BinaryMessage, framed) != nil {
		return
	}

	_, msg, err = conn.ReadMessage()
	if err != nil {
		s.gotFinish <- false
		return
	}
	s.gotFinish <- true

	finishMsg, err := wire.Unmarshal(unframe(s.t, msg))
	require.NoError(s.t, err)
	require.NotNil(s.t, finishMsg.ClientFinish)

	finishEph, err := nh.Decrypt(finishMsg.ClientFinish.Static)
	require.NoError(s.t, err)
	require.Len(s.t, finishEph, 32)
	require.NoError(s.t, nh.MixSharedSecretIntoKey(serverEph.Private, [32]byte(finishEph)))
	payload, err := nh.Decrypt(finishMsg.ClientFinish.Payload)
	require.NoError(s.t, err)
	s.payloads <- payload

	// The split is initiator-oriented; the responder uses it swapped.
	clientWrite, clientRead, err := nh.Finish()
	require.NoError(s.t, err)
	s.echo(conn, clientRead, clientWrite)
}

// echo decrypts each inbound frame and sends the plaintext back.
func (s *testEdgeServer) echo(conn *gorillaws.Conn, write, read cipher.AEAD) {
	var writeCounter, readCounter uint32
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		plaintext, err := read.Open(nil, transportIV(readCounter), unframe(s.t, msg), nil)
		readCounter++
		require.NoError(s.t, err)

		reply := write.Seal(nil, transportIV(writeCounter), plaintext, nil)
		writeCounter++
		if conn.WriteMessage(gorillaws.BinaryMessage, frameBytes(reply)) != nil {
			return
		}
	}
}

func frameBytes(data []byte) []byte {
	framed := make([]byte, 3+len(data))
	framed[0] = byte(len(data) >> 16)
	framed[1] = byte(len(data) >> 8)
	framed[2] = byte(len(data))
	copy(framed[3:], data)
	return framed
}

func unframe(t *testing.T, msg []byte) []byte {
	t.Helper()
	require.GreaterOrEqual(t, len(msg), 3, "frame is shorter than its length prefix")
	length := (int(msg[0]) << 16) + (int(msg[1]) << 8) + int(msg[2])
	require.Len(t, msg[3:], length, "websocket message must carry exactly one frame")
	return msg[3:]
}

func transportIV(count uint32) []byte {
	iv := make([]byte, 12)
	binary.BigEndian.PutUint32(iv[8:], count)
	return iv
}

func newTestClient(srv *testEdgeServer, mutate func(*Config)) *Client {
	cfg := Config{
		URL:              srv.url,
		Origin:           "https://example.org",
		TrustRoot:        srv.trustRoot,
		HandshakeTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestConnectHandshakeAndEcho(t *testing.T) {
	srv := startTestEdgeServer(t, edgeServerBehavior{})
	cli := newTestClient(srv, nil)

	received := make(chan []byte, 8)
	cli.AddHandler(func(frame []byte) {
		received <- frame
	})

	require.NoError(t, cli.Connect(context.Background()))
	defer cli.Disconnect()
	assert.True(t, cli.IsConnected())
	assert.ErrorIs(t, cli.Connect(context.Background()), ErrAlreadyConnected)

	require.NoError(t, cli.Send([]byte("ping")))
	select {
	case frame := <-received:
		assert.Equal(t, "ping", string(frame))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}

	// Several frames in a row exercise the nonce counters past zero.
	for i := 0; i < 5; i++ {
		require.NoError(t, cli.Send([]byte{byte('a' + i)}))
	}
	for i := 0; i < 5; i++ {
		select {
		case frame := <-received:
			assert.Equal(t, []byte{byte('a' + i)}, frame)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for echoed frame %d", i)
		}
	}

	cli.Disconnect()
	assert.False(t, cli.IsConnected())
	assert.ErrorIs(t, cli.Send([]byte("late")), ErrNotConnected)
}

func TestConnectSendsValidRegistrationPayload(t *testing.T) {
	srv := startTestEdgeServer(t, edgeServerBehavior{})
	cli := newTestClient(srv, nil)

	require.NoError(t, cli.Connect(context.Background()))
	defer cli.Disconnect()

	select {
	case payload := <-srv.payloads:
		assertValidRegistrationPayload(t, payload)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the registration payload")
	}
}

// assertValidRegistrationPayload decodes the default builder's output
// and checks the signed pre-key actually verifies under the identity.
func assertValidRegistrationPayload(t *testing.T, payload []byte) {
	t.Helper()
	var registrationID uint64
	var identityKey, preKeyMsg []byte

	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		require.GreaterOrEqual(t, n, 0)
		payload = payload[n:]
		switch typ {
		case protowire.VarintType:
			value, n := protowire.ConsumeVarint(payload)
			require.GreaterOrEqual(t, n, 0)
			payload = payload[n:]
			if num == fieldRegistrationID {
				registrationID = value
			}
		case protowire.BytesType:
			value, n := protowire.ConsumeBytes(payload)
			require.GreaterOrEqual(t, n, 0)
			payload = payload[n:]
			switch num {
			case fieldIdentityKey:
				identityKey = value
			case fieldSignedPreKey:
				preKeyMsg = value
			}
		default:
			t.Fatalf("unexpected wire type %d in payload", typ)
		}
	}

	assert.LessOrEqual(t, registrationID, uint64(16383), "registration id must fit 14 bits")
	require.Len(t, identityKey, 32)
	require.NotEmpty(t, preKeyMsg)

	var preKeyPublic []byte
	var preKeySig []byte
	for len(preKeyMsg) > 0 {
		num, typ, n := protowire.ConsumeTag(preKeyMsg)
		require.GreaterOrEqual(t, n, 0)
		preKeyMsg = preKeyMsg[n:]
		switch typ {
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(preKeyMsg)
			require.GreaterOrEqual(t, n, 0)
			preKeyMsg = preKeyMsg[n:]
		case protowire.BytesType:
			value, n := protowire.ConsumeBytes(preKeyMsg)
			require.GreaterOrEqual(t, n, 0)
			preKeyMsg = preKeyMsg[n:]
			switch num {
			case fieldPreKeyPublic:
				preKeyPublic = value
			case fieldPreKeySignature:
				preKeySig = value
			}
		}
	}
	require.Len(t, preKeyPublic, 32)
	require.Len(t, preKeySig, 64)
	assert.True(t, crypto.VerifySignedKey([32]byte(preKeyPublic), [64]byte(preKeySig), [32]byte(identityKey)),
		"signed pre-key must verify under the identity key")
}

func TestConnectRejectsShortServerEphemeral(t *testing.T) {
	srv := startTestEdgeServer(t, edgeServerBehavior{
		mutateServerHello: func(hello *wire.ServerHello) {
			hello.Ephemeral = hello.Ephemeral[:31]
		},
	})
	cli := newTestClient(srv, nil)

	err := cli.Connect(context.Background())
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.False(t, cli.IsConnected())

	select {
	case got := <-srv.gotFinish:
		assert.False(t, got, "client must not send ClientFinish after a bad ServerHello")
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the connection ending")
	}
}

func TestConnectRejectsMissingServerStatic(t *testing.T) {
	srv := startTestEdgeServer(t, edgeServerBehavior{
		mutateServerHello: func(hello *wire.ServerHello) {
			hello.Static = nil
		},
	})
	cli := newTestClient(srv, nil)
	assert.ErrorIs(t, cli.Connect(context.Background()), ErrInvalidResponse)
}

func TestConnectRejectsTamperedServerStatic(t *testing.T) {
	srv := startTestEdgeServer(t, edgeServerBehavior{
		mutateServerHello: func(hello *wire.ServerHello) {
			hello.Static[0] ^= 0x01
		},
	})
	cli := newTestClient(srv, nil)

	err := cli.Connect(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.False(t, cli.IsConnected())
}

func TestConnectRejectsTamperedCertPayload(t *testing.T) {
	srv := startTestEdgeServer(t, edgeServerBehavior{
		mutateServerHello: func(hello *wire.ServerHello) {
			hello.Payload[len(hello.Payload)-1] ^= 0x80
		},
	})
	cli := newTestClient(srv, nil)
	assert.ErrorIs(t, cli.Connect(context.Background()), ErrHandshakeFailed)
}

func TestConnectRejectsWrongTrustRoot(t *testing.T) {
	srv := startTestEdgeServer(t, edgeServerBehavior{})
	cli := newTestClient(srv, func(cfg *Config) {
		cfg.TrustRoot = [32]byte{1, 2, 3}
	})

	err := cli.Connect(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestConnectTimesOutOnSilentServer(t *testing.T) {
	srv := startTestEdgeServer(t, edgeServerBehavior{silent: true})
	cli := newTestClient(srv, func(cfg *Config) {
		cfg.HandshakeTimeout = 200 * time.Millisecond
	})

	start := time.Now()
	err := cli.Connect(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, cli.IsConnected())
}

func TestConnectHonorsContextCancellation(t *testing.T) {
	srv := startTestEdgeServer(t, edgeServerBehavior{silent: true})
	cli := newTestClient(srv, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	err := cli.Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompatScanRecoversGarbagePrefixedServerHello(t *testing.T) {
	garbage := []byte{0xFF, 0xFF, 0xFF}

	strict := newTestClient(startTestEdgeServer(t, edgeServerBehavior{prefixGarbage: garbage}), nil)
	assert.ErrorIs(t, strict.Connect(context.Background()), ErrInvalidResponse,
		"strict decoding must reject a garbage-prefixed frame")

	lenient := newTestClient(startTestEdgeServer(t, edgeServerBehavior{prefixGarbage: garbage}), func(cfg *Config) {
		cfg.CompatScanHandshakeFrame = true
	})
	require.NoError(t, lenient.Connect(context.Background()),
		"compat scan must recover a garbage-prefixed frame")
	lenient.Disconnect()
}

func TestHandlerQueueOverflowSpillsWithoutLoss(t *testing.T) {
	cli := New(Config{TrustRoot: [32]byte{1}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fill the queue with no dispatcher running, then push one more.
	for i := 0; i < handlerQueueSize; i++ {
		cli.handleFrame(ctx, []byte{1})
	}
	done := make(chan struct{})
	go func() {
		cli.handleFrame(ctx, []byte{2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleFrame must not block the caller on a full queue")
	}

	var count atomic.Int32
	cli.AddHandler(func([]byte) { count.Add(1) })
	go cli.dispatchFrames(ctx)
	require.Eventually(t, func() bool {
		return count.Load() == handlerQueueSize+1
	}, 5*time.Second, 10*time.Millisecond, "spilled frame must still be delivered")
}

func TestSpilledFrameDroppedAfterShutdown(t *testing.T) {
	cli := New(Config{TrustRoot: [32]byte{1}})
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < handlerQueueSize; i++ {
		cli.handleFrame(ctx, []byte{1})
	}
	cli.handleFrame(ctx, []byte{2}) // spilled, blocked on the full queue
	cancel()
	// The queue stays full until the drain below, so the spilled
	// goroutine can only observe the shutdown. Give it time to run.
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < handlerQueueSize; i++ {
		select {
		case <-cli.handlerQueue:
		case <-time.After(time.Second):
			t.Fatalf("queue drained short at frame %d", i)
		}
	}
	select {
	case frame := <-cli.handlerQueue:
		t.Fatalf("frame %v delivered by a goroutine that outlived the connection", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlersSurviveReconnect(t *testing.T) {
	srv := startTestEdgeServer(t, edgeServerBehavior{})
	cli := newTestClient(srv, nil)

	var count atomic.Int32
	id := cli.AddHandler(func([]byte) { count.Add(1) })
	removed := cli.AddHandler(func([]byte) { t.Error("removed handler must not run") })
	cli.RemoveHandler(removed)

	for attempt := 0; attempt < 2; attempt++ {
		require.NoError(t, cli.Connect(context.Background()))
		require.NoError(t, cli.Send([]byte("round")))
		require.Eventually(t, func() bool {
			return count.Load() == int32(attempt+1)
		}, 5*time.Second, 10*time.Millisecond)
		cli.Disconnect()
	}
	cli.RemoveHandler(id)
}
