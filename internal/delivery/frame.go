package delivery

import (
	"encoding/binary"
	"fmt"
)

// Device downlink framing versions.
const (
	// Version1 sends the bare Opus packet.
	Version1 = 1
	// Version2 prefixes a 16-byte header: 8 reserved bytes, a big-endian
	// timestamp counted in samples emitted before the frame and a big-endian
	// packet length.
	Version2 = 2
	// Version3 prefixes a 4-byte header: 2 reserved bytes and a big-endian
	// uint16 packet length.
	Version3 = 3

	DefaultVersion = Version2
)

func ValidVersion(v int) bool {
	return v == Version1 || v == Version2 || v == Version3
}

// FrameAudio wraps one encoded packet for the device.
func FrameAudio(version int, timestamp uint32, packet []byte) ([]byte, error) {
	switch version {
	case Version1:
		return packet, nil
	case Version2:
		buf := make([]byte, 16+len(packet))
		binary.BigEndian.PutUint32(buf[8:12], timestamp)
		binary.BigEndian.PutUint32(buf[12:16], uint32(len(packet)))
		copy(buf[16:], packet)
		return buf, nil
	case Version3:
		if len(packet) > 0xFFFF {
			return nil, fmt.Errorf("packet of %d bytes exceeds the v3 length field", len(packet))
		}
		buf := make([]byte, 4+len(packet))
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(packet)))
		copy(buf[4:], packet)
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported protocol version %d", version)
	}
}

// ParseAudio is the inverse of FrameAudio. The timestamp is zero for
// versions without one.
func ParseAudio(version int, data []byte) (timestamp uint32, packet []byte, err error) {
	switch version {
	case Version1:
		return 0, data, nil
	case Version2:
		if len(data) < 16 {
			return 0, nil, fmt.Errorf("v2 frame of %d bytes is shorter than its header", len(data))
		}
		n := binary.BigEndian.Uint32(data[12:16])
		if int(n) != len(data)-16 {
			return 0, nil, fmt.Errorf("v2 frame length %d does not match payload %d", n, len(data)-16)
		}
		return binary.BigEndian.Uint32(data[8:12]), data[16:], nil
	case Version3:
		if len(data) < 4 {
			return 0, nil, fmt.Errorf("v3 frame of %d bytes is shorter than its header", len(data))
		}
		n := binary.BigEndian.Uint16(data[2:4])
		if int(n) != len(data)-4 {
			return 0, nil, fmt.Errorf("v3 frame length %d does not match payload %d", n, len(data)-4)
		}
		return 0, data[4:], nil
	default:
		return 0, nil, fmt.Errorf("unsupported protocol version %d", version)
	}
}
