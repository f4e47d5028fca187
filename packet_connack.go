package mqttbridge

// ConnackPacket is the broker's answer to CONNECT.
type ConnackPacket struct {
	SessionPresent bool
	ReasonCode     ReasonCode
	Properties     *Properties
}

// Type returns PacketCONNACK.
func (p *ConnackPacket) Type() PacketType { return PacketCONNACK }

func (p *ConnackPacket) encode(e *encoder) byte {
	var ack byte
	if p.SessionPresent {
		ack = 0x01
	}
	e.byte(ack)
	e.byte(byte(p.ReasonCode))
	p.Properties.encode(e)
	return 0
}

func (p *ConnackPacket) decode(d *decoder, _ byte) error {
	ack := d.byte()
	if ack&0xFE != 0 {
		return ErrMalformedPacket
	}
	p.SessionPresent = ack&0x01 != 0
	p.ReasonCode = ReasonCode(d.byte())
	if d.err != nil {
		return d.err
	}

	p.Properties = &Properties{}
	// A CONNACK without a property length is tolerated from lenient brokers.
	if d.remaining() == 0 {
		return nil
	}
	return p.Properties.decode(d)
}
