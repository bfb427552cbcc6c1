package transport

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskBytesIsInvolution(t *testing.T) {
	for _, size := range []int{0, 1, 3, 4, 5, 127, 1024} {
		payload := make([]byte, size)
		rand.Read(payload)
		original := append([]byte(nil), payload...)

		var key [4]byte
		rand.Read(key[:])

		maskBytes(payload, key)
		if size > 0 {
			assert.NotEqual(t, original, payload, "masking must change a non-empty payload")
		}
		maskBytes(payload, key)
		assert.Equal(t, original, payload, "unmask(mask(p)) must equal p")
	}
}

func TestFrameHeaderLengthEncodingBoundaries(t *testing.T) {
	cases := []struct {
		length     int
		headerSize int
	}{
		{0, 2},
		{125, 2},
		{126, 4},
		{127, 4},
		{65535, 4},
		{65536, 10},
	}
	for _, tc := range cases {
		header := appendFrameHeader(nil, true, OpcodeBinary, false, [4]byte{}, tc.length)
		assert.Len(t, header, tc.headerSize, "length %d", tc.length)

		// The decoder must recover the exact length.
		frame := append(header, make([]byte, tc.length)...)
		ws := &WSConn{reader: bufio.NewReader(bytes.NewReader(frame))}
		decoded, err := ws.readFrame()
		require.NoError(t, err, "length %d", tc.length)
		assert.Len(t, decoded.payload, tc.length, "length %d", tc.length)
		assert.True(t, decoded.fin)
		assert.Equal(t, OpcodeBinary, decoded.opcode)
	}
}

func TestReadFrameUnmasksMaskedPayload(t *testing.T) {
	payload := []byte("masked client frame")
	key := [4]byte{0xDE, 0xAD, 0xBE, 0xEF}

	frame := appendFrameHeader(nil, true, OpcodeBinary, true, key, len(payload))
	start := len(frame)
	frame = append(frame, payload...)
	maskBytes(frame[start:], key)

	ws := &WSConn{reader: bufio.NewReader(bytes.NewReader(frame))}
	decoded, err := ws.readFrame()
	require.NoError(t, err)
	assert.Equal(t, payload, decoded.payload)
}

func TestReadFrameRejectsTruncatedHeader(t *testing.T) {
	ws := &WSConn{reader: bufio.NewReader(bytes.NewReader([]byte{0x82}))}
	_, err := ws.readFrame()
	assert.Error(t, err)
}

func TestOperationsOnUnconnectedClient(t *testing.T) {
	var ws *WSConn
	_, err := ws.ReadMessage()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, ws.WriteMessage(OpcodeBinary, nil), ErrNotConnected)
	assert.ErrorIs(t, ws.Close(), ErrNotConnected)

	empty := &WSConn{}
	_, err = empty.ReadMessage()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, empty.WriteMessage(OpcodeBinary, nil), ErrNotConnected)
}

func TestAcceptKey(t *testing.T) {
	// Known pair from RFC 6455 section 1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", acceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestFreshMaskPerFrame(t *testing.T) {
	client, server := newPipeConn(t)
	defer server.close()

	require.NoError(t, client.WriteMessage(OpcodeBinary, []byte("one")))
	require.NoError(t, client.WriteMessage(OpcodeBinary, []byte("two")))

	f1 := server.readClientFrame(t)
	f2 := server.readClientFrame(t)
	assert.True(t, f1.masked && f2.masked, "client frames must be masked")
	assert.NotEqual(t, f1.maskKey, f2.maskKey, "mask must be fresh per frame")
	assert.Equal(t, "one", string(f1.payload))
	assert.Equal(t, "two", string(f2.payload))
}
