package wasocket

import "time"

const (
	// Origin is the Origin header for all websocket connections.
	Origin = "https://web.whatsapp.com"
	// URL is the production websocket endpoint.
	URL = "wss://web.whatsapp.com/ws/chat"
)

const (
	// NoiseStartPattern names the handshake pattern. Padded to exactly
	// 32 bytes so it seeds the transcript hash directly.
	NoiseStartPattern = "Noise_XX_25519_AESGCM_SHA256\x00\x00\x00\x00"

	// WAMagicValue is the protocol version byte of the connection header.
	WAMagicValue = 6
	// DictVersion is the token dictionary version byte of the connection header.
	DictVersion = 3
)

// ConnHeader is the 4-byte magic prefix sent once, before the first
// length-prefixed frame of a connection.
var ConnHeader = []byte{'W', 'A', WAMagicValue, DictVersion}

// Size of the buffer for the channel that all decrypted inbound frames
// go through. In general it shouldn't go past a few buffered frames,
// but the channel is big to be safe.
const handlerQueueSize = 2048

const defaultHandshakeTimeout = 20 * time.Second
