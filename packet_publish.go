package mqttbridge

import "errors"

// ErrPacketIDRequired is returned when a QoS 1 or 2 PUBLISH has a zero packet identifier.
var ErrPacketIDRequired = errors.New("packet identifier required for QoS > 0")

// PublishPacket carries an application message.
type PublishPacket struct {
	Topic      string
	PacketID   uint16
	QoS        byte
	Retain     bool
	DUP        bool
	Payload    []byte
	Properties *Properties
}

// Type returns PacketPUBLISH.
func (p *PublishPacket) Type() PacketType { return PacketPUBLISH }

func (p *PublishPacket) encode(e *encoder) byte {
	var flags byte
	if p.DUP {
		flags |= 0x08
	}
	flags |= (p.QoS & 0x03) << 1
	if p.Retain {
		flags |= 0x01
	}

	if p.QoS > QoS0 && p.PacketID == 0 {
		e.err = ErrPacketIDRequired
		return flags
	}

	e.string(p.Topic)
	if p.QoS > QoS0 {
		e.uint16(p.PacketID)
	}
	p.Properties.encode(e)
	e.raw(p.Payload)
	return flags
}

func (p *PublishPacket) decode(d *decoder, flags byte) error {
	p.DUP = flags&0x08 != 0
	p.QoS = (flags >> 1) & 0x03
	p.Retain = flags&0x01 != 0

	p.Topic = d.string()
	if p.QoS > QoS0 {
		p.PacketID = d.uint16()
		if d.err == nil && p.PacketID == 0 {
			return ErrPacketIDRequired
		}
	}

	p.Properties = &Properties{}
	if err := p.Properties.decode(d); err != nil {
		return err
	}
	p.Payload = d.rest()
	return d.err
}

// toMessage converts a received PUBLISH into a Message.
func (p *PublishPacket) toMessage() *Message {
	msg := &Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retain:    p.Retain,
		Duplicate: p.DUP,
	}
	if p.Properties != nil {
		msg.CorrelationData = p.Properties.CorrelationData
		msg.ResponseTopic = p.Properties.ResponseTopic
		msg.ContentType = p.Properties.ContentType
		msg.UserProperties = p.Properties.User
	}
	return msg
}
