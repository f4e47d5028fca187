package mqttbridge

import "fmt"

const (
	protocolName    = "MQTT"
	protocolVersion = 5
)

// Connect flag bits.
const (
	connectFlagCleanStart = 0x02
	connectFlagWill       = 0x04
	connectFlagWillRetain = 0x20
	connectFlagPassword   = 0x40
	connectFlagUsername   = 0x80
)

// ErrUnsupportedProtocol is returned when a CONNECT carries a protocol other than MQTT 5.0.
var ErrUnsupportedProtocol = fmt.Errorf("%w: unsupported protocol", ErrMalformedPacket)

// WillMessage is the Last Will the broker publishes when the client goes away
// without a normal DISCONNECT.
type WillMessage struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Properties *Properties
}

// ConnectPacket is the first packet a client sends.
type ConnectPacket struct {
	ClientID   string
	CleanStart bool
	KeepAlive  uint16
	Username   string
	Password   []byte
	Will       *WillMessage
	Properties *Properties
}

// Type returns PacketCONNECT.
func (p *ConnectPacket) Type() PacketType { return PacketCONNECT }

func (p *ConnectPacket) encode(e *encoder) byte {
	var flags byte
	if p.CleanStart {
		flags |= connectFlagCleanStart
	}
	if p.Will != nil {
		flags |= connectFlagWill | p.Will.QoS<<3
		if p.Will.Retain {
			flags |= connectFlagWillRetain
		}
	}
	if p.Username != "" {
		flags |= connectFlagUsername
	}
	if p.Password != nil {
		flags |= connectFlagPassword
	}

	e.string(protocolName)
	e.byte(protocolVersion)
	e.byte(flags)
	e.uint16(p.KeepAlive)
	p.Properties.encode(e)

	e.string(p.ClientID)
	if p.Will != nil {
		p.Will.Properties.encode(e)
		e.string(p.Will.Topic)
		e.binary(p.Will.Payload)
	}
	if p.Username != "" {
		e.string(p.Username)
	}
	if p.Password != nil {
		e.binary(p.Password)
	}
	return 0
}

func (p *ConnectPacket) decode(d *decoder, _ byte) error {
	if name := d.string(); d.err == nil && name != protocolName {
		return ErrUnsupportedProtocol
	}
	if version := d.byte(); d.err == nil && version != protocolVersion {
		return ErrUnsupportedProtocol
	}

	flags := d.byte()
	if flags&0x01 != 0 {
		return ErrMalformedPacket
	}
	p.CleanStart = flags&connectFlagCleanStart != 0
	p.KeepAlive = d.uint16()

	p.Properties = &Properties{}
	if err := p.Properties.decode(d); err != nil {
		return err
	}

	p.ClientID = d.string()
	if flags&connectFlagWill != 0 {
		w := &WillMessage{
			QoS:        (flags >> 3) & 0x03,
			Retain:     flags&connectFlagWillRetain != 0,
			Properties: &Properties{},
		}
		if w.QoS > QoS2 {
			return ErrMalformedPacket
		}
		if err := w.Properties.decode(d); err != nil {
			return err
		}
		w.Topic = d.string()
		w.Payload = d.binary()
		p.Will = w
	}
	if flags&connectFlagUsername != 0 {
		p.Username = d.string()
	}
	if flags&connectFlagPassword != 0 {
		p.Password = d.binary()
		if p.Password == nil {
			p.Password = []byte{}
		}
	}
	return d.err
}
