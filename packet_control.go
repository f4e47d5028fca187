package mqttbridge

// PingreqPacket is sent by the client to keep the connection alive.
type PingreqPacket struct{}

// Type returns PacketPINGREQ.
func (p *PingreqPacket) Type() PacketType { return PacketPINGREQ }

func (p *PingreqPacket) encode(*encoder) byte { return 0 }

func (p *PingreqPacket) decode(*decoder, byte) error { return nil }

// PingrespPacket is the broker's answer to PINGREQ.
type PingrespPacket struct{}

// Type returns PacketPINGRESP.
func (p *PingrespPacket) Type() PacketType { return PacketPINGRESP }

func (p *PingrespPacket) encode(*encoder) byte { return 0 }

func (p *PingrespPacket) decode(*decoder, byte) error { return nil }

// DisconnectPacket closes the session, from either side.
type DisconnectPacket struct {
	ReasonCode ReasonCode
	Properties *Properties
}

// Type returns PacketDISCONNECT.
func (p *DisconnectPacket) Type() PacketType { return PacketDISCONNECT }

func (p *DisconnectPacket) encode(e *encoder) byte {
	if p.ReasonCode == ReasonSuccess && p.Properties.empty() {
		return 0
	}
	e.byte(byte(p.ReasonCode))
	if !p.Properties.empty() {
		p.Properties.encode(e)
	}
	return 0
}

func (p *DisconnectPacket) decode(d *decoder, _ byte) error {
	if d.remaining() == 0 {
		p.ReasonCode = ReasonSuccess
		return nil
	}
	p.ReasonCode = ReasonCode(d.byte())
	if d.remaining() == 0 {
		return d.err
	}
	p.Properties = &Properties{}
	return p.Properties.decode(d)
}

// AuthPacket carries an enhanced authentication exchange.
type AuthPacket struct {
	ReasonCode ReasonCode
	Properties *Properties
}

// Type returns PacketAUTH.
func (p *AuthPacket) Type() PacketType { return PacketAUTH }

func (p *AuthPacket) encode(e *encoder) byte {
	if p.ReasonCode == ReasonSuccess && p.Properties.empty() {
		return 0
	}
	e.byte(byte(p.ReasonCode))
	p.Properties.encode(e)
	return 0
}

func (p *AuthPacket) decode(d *decoder, _ byte) error {
	if d.remaining() == 0 {
		p.ReasonCode = ReasonSuccess
		return nil
	}
	p.ReasonCode = ReasonCode(d.byte())
	p.Properties = &Properties{}
	if d.remaining() == 0 {
		return d.err
	}
	return p.Properties.decode(d)
}
