package mqttbridge

// ackBody is the shared layout of PUBACK, PUBREC, PUBREL and PUBCOMP.
type ackBody struct {
	PacketID   uint16
	ReasonCode ReasonCode
	Properties *Properties
}

func (a *ackBody) encodeBody(e *encoder) {
	e.uint16(a.PacketID)
	// The reason code and properties may be omitted when the reason is Success
	// and there are no properties.
	if a.ReasonCode == ReasonSuccess && a.Properties.empty() {
		return
	}
	e.byte(byte(a.ReasonCode))
	if !a.Properties.empty() {
		a.Properties.encode(e)
	}
}

func (a *ackBody) decodeBody(d *decoder) error {
	a.PacketID = d.uint16()
	if d.err != nil {
		return d.err
	}
	if a.PacketID == 0 {
		return ErrMalformedPacket
	}
	if d.remaining() == 0 {
		a.ReasonCode = ReasonSuccess
		return nil
	}
	a.ReasonCode = ReasonCode(d.byte())
	if d.remaining() == 0 {
		return d.err
	}
	a.Properties = &Properties{}
	return a.Properties.decode(d)
}

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct{ ackBody }

// Type returns PacketPUBACK.
func (p *PubackPacket) Type() PacketType { return PacketPUBACK }

func (p *PubackPacket) encode(e *encoder) byte { p.encodeBody(e); return 0 }

func (p *PubackPacket) decode(d *decoder, _ byte) error { return p.decodeBody(d) }

// PubrecPacket is the first acknowledgement of a QoS 2 PUBLISH.
type PubrecPacket struct{ ackBody }

// Type returns PacketPUBREC.
func (p *PubrecPacket) Type() PacketType { return PacketPUBREC }

func (p *PubrecPacket) encode(e *encoder) byte { p.encodeBody(e); return 0 }

func (p *PubrecPacket) decode(d *decoder, _ byte) error { return p.decodeBody(d) }

// PubrelPacket releases a QoS 2 message after PUBREC.
type PubrelPacket struct{ ackBody }

// Type returns PacketPUBREL.
func (p *PubrelPacket) Type() PacketType { return PacketPUBREL }

func (p *PubrelPacket) encode(e *encoder) byte { p.encodeBody(e); return 0x02 }

func (p *PubrelPacket) decode(d *decoder, _ byte) error { return p.decodeBody(d) }

// PubcompPacket completes a QoS 2 exchange.
type PubcompPacket struct{ ackBody }

// Type returns PacketPUBCOMP.
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

func (p *PubcompPacket) encode(e *encoder) byte { p.encodeBody(e); return 0 }

func (p *PubcompPacket) decode(d *decoder, _ byte) error { return p.decodeBody(d) }

func newPuback(id uint16, rc ReasonCode) *PubackPacket {
	return &PubackPacket{ackBody{PacketID: id, ReasonCode: rc}}
}

func newPubrec(id uint16, rc ReasonCode) *PubrecPacket {
	return &PubrecPacket{ackBody{PacketID: id, ReasonCode: rc}}
}

func newPubrel(id uint16, rc ReasonCode) *PubrelPacket {
	return &PubrelPacket{ackBody{PacketID: id, ReasonCode: rc}}
}

func newPubcomp(id uint16, rc ReasonCode) *PubcompPacket {
	return &PubcompPacket{ackBody{PacketID: id, ReasonCode: rc}}
}
