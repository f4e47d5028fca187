package mqttbridge

import (
	"errors"
	"fmt"
)

// Property identifiers as defined in MQTT 5.0 section 2.2.2.2.
const (
	propPayloadFormatIndicator   byte = 0x01
	propMessageExpiryInterval    byte = 0x02
	propContentType              byte = 0x03
	propResponseTopic            byte = 0x08
	propCorrelationData          byte = 0x09
	propSubscriptionIdentifier   byte = 0x0B
	propSessionExpiryInterval    byte = 0x11
	propAssignedClientIdentifier byte = 0x12
	propServerKeepAlive          byte = 0x13
	propAuthenticationMethod     byte = 0x15
	propAuthenticationData       byte = 0x16
	propRequestProblemInfo       byte = 0x17
	propWillDelayInterval        byte = 0x18
	propRequestResponseInfo      byte = 0x19
	propResponseInformation      byte = 0x1A
	propServerReference          byte = 0x1C
	propReasonString             byte = 0x1F
	propReceiveMaximum           byte = 0x21
	propTopicAliasMaximum        byte = 0x22
	propTopicAlias               byte = 0x23
	propMaximumQoS               byte = 0x24
	propRetainAvailable          byte = 0x25
	propUserProperty             byte = 0x26
	propMaximumPacketSize        byte = 0x27
	propWildcardSubAvailable     byte = 0x28
	propSubscriptionIDAvailable  byte = 0x29
	propSharedSubAvailable       byte = 0x2A
)

// ErrUnknownProperty is returned when a packet carries an undefined property identifier.
var ErrUnknownProperty = errors.New("unknown property identifier")

// Properties holds the MQTT 5.0 properties of a packet.
// Pointer fields distinguish "absent" from the zero value where the
// protocol gives absence a meaning of its own.
type Properties struct {
	PayloadFormat         *byte
	MessageExpiry         *uint32
	ContentType           string
	ResponseTopic         string
	CorrelationData       []byte
	SubscriptionIDs       []uint32
	SessionExpiryInterval *uint32
	AssignedClientID      string
	ServerKeepAlive       *uint16
	AuthMethod            string
	AuthData              []byte
	RequestProblemInfo    *byte
	WillDelayInterval     *uint32
	RequestResponseInfo   *byte
	ResponseInfo          string
	ServerReference       string
	ReasonString          string
	ReceiveMaximum        *uint16
	TopicAliasMaximum     *uint16
	TopicAlias            *uint16
	MaximumQoS            *byte
	RetainAvailable       *byte
	User                  []StringPair
	MaximumPacketSize     *uint32
	WildcardSubAvailable  *byte
	SubIDAvailable        *byte
	SharedSubAvailable    *byte
}

// Ptr returns a pointer to v. It is a convenience for filling optional properties.
func Ptr[T any](v T) *T {
	return &v
}

// encode appends the property length followed by every present property.
func (p *Properties) encode(e *encoder) {
	if p == nil {
		e.varint(0)
		return
	}

	var body encoder
	putByte := func(id byte, v *byte) {
		if v != nil {
			body.byte(id)
			body.byte(*v)
		}
	}
	putUint16 := func(id byte, v *uint16) {
		if v != nil {
			body.byte(id)
			body.uint16(*v)
		}
	}
	putUint32 := func(id byte, v *uint32) {
		if v != nil {
			body.byte(id)
			body.uint32(*v)
		}
	}
	putString := func(id byte, v string) {
		if v != "" {
			body.byte(id)
			body.string(v)
		}
	}
	putBinary := func(id byte, v []byte) {
		if len(v) > 0 {
			body.byte(id)
			body.binary(v)
		}
	}

	putByte(propPayloadFormatIndicator, p.PayloadFormat)
	putUint32(propMessageExpiryInterval, p.MessageExpiry)
	putString(propContentType, p.ContentType)
	putString(propResponseTopic, p.ResponseTopic)
	putBinary(propCorrelationData, p.CorrelationData)
	for _, id := range p.SubscriptionIDs {
		body.byte(propSubscriptionIdentifier)
		body.varint(id)
	}
	putUint32(propSessionExpiryInterval, p.SessionExpiryInterval)
	putString(propAssignedClientIdentifier, p.AssignedClientID)
	putUint16(propServerKeepAlive, p.ServerKeepAlive)
	putString(propAuthenticationMethod, p.AuthMethod)
	putBinary(propAuthenticationData, p.AuthData)
	putByte(propRequestProblemInfo, p.RequestProblemInfo)
	putUint32(propWillDelayInterval, p.WillDelayInterval)
	putByte(propRequestResponseInfo, p.RequestResponseInfo)
	putString(propResponseInformation, p.ResponseInfo)
	putString(propServerReference, p.ServerReference)
	putString(propReasonString, p.ReasonString)
	putUint16(propReceiveMaximum, p.ReceiveMaximum)
	putUint16(propTopicAliasMaximum, p.TopicAliasMaximum)
	putUint16(propTopicAlias, p.TopicAlias)
	putByte(propMaximumQoS, p.MaximumQoS)
	putByte(propRetainAvailable, p.RetainAvailable)
	for _, up := range p.User {
		body.byte(propUserProperty)
		body.string(up.Key)
		body.string(up.Value)
	}
	putUint32(propMaximumPacketSize, p.MaximumPacketSize)
	putByte(propWildcardSubAvailable, p.WildcardSubAvailable)
	putByte(propSubscriptionIDAvailable, p.SubIDAvailable)
	putByte(propSharedSubAvailable, p.SharedSubAvailable)

	if body.err != nil {
		e.err = body.err
		return
	}
	e.varint(uint32(len(body.buf)))
	e.raw(body.buf)
}

// decode reads a property length and the properties that follow it.
func (p *Properties) decode(d *decoder) error {
	length := d.varint()
	raw := d.take(int(length))
	if d.err != nil {
		return d.err
	}

	pd := newDecoder(raw)
	for pd.remaining() > 0 && pd.err == nil {
		id := pd.byte()
		switch id {
		case propPayloadFormatIndicator:
			p.PayloadFormat = Ptr(pd.byte())
		case propMessageExpiryInterval:
			p.MessageExpiry = Ptr(pd.uint32())
		case propContentType:
			p.ContentType = pd.string()
		case propResponseTopic:
			p.ResponseTopic = pd.string()
		case propCorrelationData:
			p.CorrelationData = pd.binary()
		case propSubscriptionIdentifier:
			p.SubscriptionIDs = append(p.SubscriptionIDs, pd.varint())
		case propSessionExpiryInterval:
			p.SessionExpiryInterval = Ptr(pd.uint32())
		case propAssignedClientIdentifier:
			p.AssignedClientID = pd.string()
		case propServerKeepAlive:
			p.ServerKeepAlive = Ptr(pd.uint16())
		case propAuthenticationMethod:
			p.AuthMethod = pd.string()
		case propAuthenticationData:
			p.AuthData = pd.binary()
		case propRequestProblemInfo:
			p.RequestProblemInfo = Ptr(pd.byte())
		case propWillDelayInterval:
			p.WillDelayInterval = Ptr(pd.uint32())
		case propRequestResponseInfo:
			p.RequestResponseInfo = Ptr(pd.byte())
		case propResponseInformation:
			p.ResponseInfo = pd.string()
		case propServerReference:
			p.ServerReference = pd.string()
		case propReasonString:
			p.ReasonString = pd.string()
		case propReceiveMaximum:
			p.ReceiveMaximum = Ptr(pd.uint16())
		case propTopicAliasMaximum:
			p.TopicAliasMaximum = Ptr(pd.uint16())
		case propTopicAlias:
			p.TopicAlias = Ptr(pd.uint16())
		case propMaximumQoS:
			p.MaximumQoS = Ptr(pd.byte())
		case propRetainAvailable:
			p.RetainAvailable = Ptr(pd.byte())
		case propUserProperty:
			key := pd.string()
			value := pd.string()
			p.User = append(p.User, StringPair{Key: key, Value: value})
		case propMaximumPacketSize:
			p.MaximumPacketSize = Ptr(pd.uint32())
		case propWildcardSubAvailable:
			p.WildcardSubAvailable = Ptr(pd.byte())
		case propSubscriptionIDAvailable:
			p.SubIDAvailable = Ptr(pd.byte())
		case propSharedSubAvailable:
			p.SharedSubAvailable = Ptr(pd.byte())
		default:
			return fmt.Errorf("%w: 0x%02X", ErrUnknownProperty, id)
		}
	}

	return pd.err
}

// empty reports whether no property is set.
func (p *Properties) empty() bool {
	if p == nil {
		return true
	}
	var e encoder
	p.encode(&e)
	return len(e.buf) == 1
}
