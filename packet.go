package mqttbridge

import (
	"errors"
	"fmt"
	"io"
)

// PacketType represents an MQTT control packet type.
type PacketType byte

// MQTT 5.0 control packet types.
const (
	PacketCONNECT     PacketType = 1
	PacketCONNACK     PacketType = 2
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
	PacketPINGREQ     PacketType = 12
	PacketPINGRESP    PacketType = 13
	PacketDISCONNECT  PacketType = 14
	PacketAUTH        PacketType = 15
)

var packetTypeNames = [...]string{
	PacketCONNECT:     "CONNECT",
	PacketCONNACK:     "CONNACK",
	PacketPUBLISH:     "PUBLISH",
	PacketPUBACK:      "PUBACK",
	PacketPUBREC:      "PUBREC",
	PacketPUBREL:      "PUBREL",
	PacketPUBCOMP:     "PUBCOMP",
	PacketSUBSCRIBE:   "SUBSCRIBE",
	PacketSUBACK:      "SUBACK",
	PacketUNSUBSCRIBE: "UNSUBSCRIBE",
	PacketUNSUBACK:    "UNSUBACK",
	PacketPINGREQ:     "PINGREQ",
	PacketPINGRESP:    "PINGRESP",
	PacketDISCONNECT:  "DISCONNECT",
	PacketAUTH:        "AUTH",
}

// String returns the packet type name.
func (p PacketType) String() string {
	if p.Valid() {
		return packetTypeNames[p]
	}
	return "UNKNOWN"
}

// Valid returns true if the packet type is defined by MQTT 5.0.
func (p PacketType) Valid() bool {
	return p >= PacketCONNECT && p <= PacketAUTH
}

// Codec errors.
var (
	ErrPacketTooLarge     = errors.New("packet exceeds maximum size")
	ErrUnknownPacketType  = errors.New("unknown packet type")
	ErrInvalidPacketFlags = errors.New("invalid packet flags")
	ErrMalformedPacket    = errors.New("malformed packet")
)

// Packet is an MQTT control packet.
type Packet interface {
	// Type returns the control packet type.
	Type() PacketType

	// encode appends the variable header and payload and returns the
	// fixed header flags.
	encode(e *encoder) byte

	// decode reads the variable header and payload.
	decode(d *decoder, flags byte) error
}

// Default packet size limits.
const (
	MaxPacketSizeDefault  uint32 = 4 * 1024 * 1024
	MaxPacketSizeProtocol uint32 = maxVarint
)

// ReadPacket reads one complete packet from r.
// A maxSize of 0 disables the size check.
func ReadPacket(r io.Reader, maxSize uint32) (Packet, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return nil, err
	}

	length, err := readVarintFrom(r)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && length > maxSize {
		return nil, ErrPacketTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	pkt, err := newPacket(PacketType(first[0] >> 4))
	if err != nil {
		return nil, err
	}

	flags := first[0] & 0x0F
	if err := checkFlags(pkt.Type(), flags); err != nil {
		return nil, err
	}

	d := newDecoder(body)
	if err := pkt.decode(d, flags); err != nil {
		return nil, fmt.Errorf("%s: %w", pkt.Type(), err)
	}
	if d.err != nil {
		return nil, fmt.Errorf("%s: %w: %w", pkt.Type(), ErrMalformedPacket, d.err)
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%s: %w: %d trailing bytes", pkt.Type(), ErrMalformedPacket, d.remaining())
	}

	return pkt, nil
}

// WritePacket encodes pkt and writes it to w in a single Write call.
// A maxSize of 0 disables the size check.
func WritePacket(w io.Writer, pkt Packet, maxSize uint32) (int, error) {
	var body encoder
	flags := pkt.encode(&body)
	if body.err != nil {
		return 0, fmt.Errorf("%s: %w", pkt.Type(), body.err)
	}

	length := uint32(len(body.buf))
	total := 1 + varintSize(length) + len(body.buf)
	if maxSize > 0 && uint32(total) > maxSize {
		return 0, ErrPacketTooLarge
	}

	out := make([]byte, 0, total)
	out = append(out, byte(pkt.Type())<<4|flags&0x0F)
	out, err := appendVarint(out, length)
	if err != nil {
		return 0, err
	}
	out = append(out, body.buf...)

	return w.Write(out)
}

func newPacket(t PacketType) (Packet, error) {
	switch t {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketPUBREC:
		return &PubrecPacket{}, nil
	case PacketPUBREL:
		return &PubrelPacket{}, nil
	case PacketPUBCOMP:
		return &PubcompPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	case PacketAUTH:
		return &AuthPacket{}, nil
	default:
		return nil, ErrUnknownPacketType
	}
}

// checkFlags validates the fixed header flags for the packet type.
func checkFlags(t PacketType, flags byte) error {
	switch t {
	case PacketPUBLISH:
		if (flags>>1)&0x03 > QoS2 {
			return ErrInvalidPacketFlags
		}
	case PacketPUBREL, PacketSUBSCRIBE, PacketUNSUBSCRIBE:
		if flags != 0x02 {
			return ErrInvalidPacketFlags
		}
	default:
		if flags != 0 {
			return ErrInvalidPacketFlags
		}
	}
	return nil
}
