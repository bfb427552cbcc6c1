package wire

import "github.com/sirupsen/logrus"

// MaxScanOffset bounds how many leading bytes UnmarshalScan will skip.
const MaxScanOffset = 20

// UnmarshalScan decodes a handshake message, retrying at offsets
// 1..MaxScanOffset when the frame carries leading garbage.
//
// This reproduces a legacy workaround for a peer that prefixed stray
// bytes to the first frame. Correct framing never needs it, so callers
// must opt in explicitly (see the client's CompatScanHandshakeFrame
// option). The number of skipped bytes is returned for diagnostics.
func UnmarshalScan(data []byte) (*HandshakeMessage, int, error) {
	msg, err := Unmarshal(data)
	if err == nil {
		return msg, 0, nil
	}

	for skip := 1; skip <= MaxScanOffset && skip < len(data); skip++ {
		msg, scanErr := Unmarshal(data[skip:])
		if scanErr == nil {
			logrus.WithFields(logrus.Fields{
				"skipped_bytes": skip,
				"frame_length":  len(data),
			}).Warn("Decoded handshake frame only after skipping leading bytes")
			return msg, skip, nil
		}
	}
	return nil, 0, err
}

func (m *HandshakeMessage) variantCount() int {
	count := 0
	if m.ClientHello != nil {
		count++
	}
	if m.ServerHello != nil {
		count++
	}
	if m.ClientFinish != nil {
		count++
	}
	return count
}
