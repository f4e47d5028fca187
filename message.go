package mqttbridge

// QoS levels.
const (
	QoS0 byte = 0 // at most once
	QoS1 byte = 1 // at least once
	QoS2 byte = 2 // exactly once
)

// Message is an application message published to or received from the broker.
type Message struct {
	Topic           string
	Payload         []byte
	QoS             byte
	Retain          bool
	CorrelationData []byte
	ResponseTopic   string
	ContentType     string
	UserProperties  []StringPair

	// Duplicate is set on received messages the broker marked as a redelivery.
	Duplicate bool
}

// MessageHandler handles incoming messages.
type MessageHandler func(msg *Message)

func (m *Message) properties() *Properties {
	props := &Properties{
		ContentType:     m.ContentType,
		ResponseTopic:   m.ResponseTopic,
		CorrelationData: m.CorrelationData,
		User:            m.UserProperties,
	}
	if props.empty() {
		return nil
	}
	return props
}

// toPacket builds a PUBLISH for m with the given packet identifier.
func (m *Message) toPacket(packetID uint16) *PublishPacket {
	return &PublishPacket{
		Topic:      m.Topic,
		PacketID:   packetID,
		QoS:        m.QoS,
		Retain:     m.Retain,
		Payload:    m.Payload,
		Properties: m.properties(),
	}
}

// copy returns a copy of m with its own payload buffer.
func (m *Message) copy() *Message {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	c.CorrelationData = append([]byte(nil), m.CorrelationData...)
	c.UserProperties = append([]StringPair(nil), m.UserProperties...)
	return &c
}
