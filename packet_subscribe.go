package mqttbridge

// TopicSubscription is one entry of a SUBSCRIBE packet.
type TopicSubscription struct {
	Filter            string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

func (s TopicSubscription) options() byte {
	opts := s.QoS & 0x03
	if s.NoLocal {
		opts |= 0x04
	}
	if s.RetainAsPublished {
		opts |= 0x08
	}
	opts |= (s.RetainHandling & 0x03) << 4
	return opts
}

// SubscribePacket requests one or more subscriptions.
type SubscribePacket struct {
	PacketID      uint16
	Properties    *Properties
	Subscriptions []TopicSubscription
}

// Type returns PacketSUBSCRIBE.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

func (p *SubscribePacket) encode(e *encoder) byte {
	e.uint16(p.PacketID)
	p.Properties.encode(e)
	for _, s := range p.Subscriptions {
		e.string(s.Filter)
		e.byte(s.options())
	}
	return 0x02
}

func (p *SubscribePacket) decode(d *decoder, _ byte) error {
	p.PacketID = d.uint16()
	p.Properties = &Properties{}
	if err := p.Properties.decode(d); err != nil {
		return err
	}
	for d.remaining() > 0 && d.err == nil {
		filter := d.string()
		opts := d.byte()
		if opts&0xC0 != 0 || opts&0x03 > QoS2 || (opts>>4)&0x03 == 3 {
			return ErrMalformedPacket
		}
		p.Subscriptions = append(p.Subscriptions, TopicSubscription{
			Filter:            filter,
			QoS:               opts & 0x03,
			NoLocal:           opts&0x04 != 0,
			RetainAsPublished: opts&0x08 != 0,
			RetainHandling:    (opts >> 4) & 0x03,
		})
	}
	if d.err == nil && len(p.Subscriptions) == 0 {
		return ErrMalformedPacket
	}
	return d.err
}

// SubackPacket answers a SUBSCRIBE with one reason code per requested filter.
type SubackPacket struct {
	PacketID    uint16
	Properties  *Properties
	ReasonCodes []ReasonCode
}

// Type returns PacketSUBACK.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

func (p *SubackPacket) encode(e *encoder) byte {
	e.uint16(p.PacketID)
	p.Properties.encode(e)
	for _, rc := range p.ReasonCodes {
		e.byte(byte(rc))
	}
	return 0
}

func (p *SubackPacket) decode(d *decoder, _ byte) error {
	p.PacketID = d.uint16()
	p.Properties = &Properties{}
	if err := p.Properties.decode(d); err != nil {
		return err
	}
	for _, b := range d.rest() {
		p.ReasonCodes = append(p.ReasonCodes, ReasonCode(b))
	}
	return d.err
}

// UnsubscribePacket removes one or more subscriptions.
type UnsubscribePacket struct {
	PacketID   uint16
	Properties *Properties
	Filters    []string
}

// Type returns PacketUNSUBSCRIBE.
func (p *UnsubscribePacket) Type() PacketType { return PacketUNSUBSCRIBE }

func (p *UnsubscribePacket) encode(e *encoder) byte {
	e.uint16(p.PacketID)
	p.Properties.encode(e)
	for _, f := range p.Filters {
		e.string(f)
	}
	return 0x02
}

func (p *UnsubscribePacket) decode(d *decoder, _ byte) error {
	p.PacketID = d.uint16()
	p.Properties = &Properties{}
	if err := p.Properties.decode(d); err != nil {
		return err
	}
	for d.remaining() > 0 && d.err == nil {
		p.Filters = append(p.Filters, d.string())
	}
	if d.err == nil && len(p.Filters) == 0 {
		return ErrMalformedPacket
	}
	return d.err
}

// UnsubackPacket answers an UNSUBSCRIBE.
type UnsubackPacket struct {
	PacketID    uint16
	Properties  *Properties
	ReasonCodes []ReasonCode
}

// Type returns PacketUNSUBACK.
func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

func (p *UnsubackPacket) encode(e *encoder) byte {
	e.uint16(p.PacketID)
	p.Properties.encode(e)
	for _, rc := range p.ReasonCodes {
		e.byte(byte(rc))
	}
	return 0
}

func (p *UnsubackPacket) decode(d *decoder, _ byte) error {
	p.PacketID = d.uint16()
	p.Properties = &Properties{}
	if err := p.Properties.decode(d); err != nil {
		return err
	}
	for _, b := range d.rest() {
		p.ReasonCodes = append(p.ReasonCodes, ReasonCode(b))
	}
	return d.err
}
