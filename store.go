package mqttbridge

import (
	"maps"
	"slices"
	"sync"
)

// PendingPublish is an unacknowledged QoS 1 or 2 publish as kept by a SessionStore.
type PendingPublish struct {
	PacketID        uint16       `msgpack:"id"`
	Topic           string       `msgpack:"topic"`
	Payload         []byte       `msgpack:"payload"`
	QoS             byte         `msgpack:"qos"`
	Retain          bool         `msgpack:"retain"`
	CorrelationData []byte       `msgpack:"correlation_data,omitempty"`
	ResponseTopic   string       `msgpack:"response_topic,omitempty"`
	ContentType     string       `msgpack:"content_type,omitempty"`
	UserProperties  []StringPair `msgpack:"user_properties,omitempty"`

	// Released is set once PUBREC arrived and PUBREL is the stage to resend.
	Released bool `msgpack:"released"`
}

func newPendingPublish(f *Inflight) *PendingPublish {
	m := f.Message
	return &PendingPublish{
		PacketID:        f.PacketID,
		Topic:           m.Topic,
		Payload:         m.Payload,
		QoS:             m.QoS,
		Retain:          m.Retain,
		CorrelationData: m.CorrelationData,
		ResponseTopic:   m.ResponseTopic,
		ContentType:     m.ContentType,
		UserProperties:  m.UserProperties,
		Released:        f.State == AwaitingPubcomp,
	}
}

// Message returns the application message of p.
func (p *PendingPublish) Message() *Message {
	return &Message{
		Topic:           p.Topic,
		Payload:         p.Payload,
		QoS:             p.QoS,
		Retain:          p.Retain,
		CorrelationData: p.CorrelationData,
		ResponseTopic:   p.ResponseTopic,
		ContentType:     p.ContentType,
		UserProperties:  p.UserProperties,
	}
}

func (p *PendingPublish) state() InflightState {
	switch {
	case p.QoS == QoS1:
		return AwaitingPuback
	case p.Released:
		return AwaitingPubcomp
	default:
		return AwaitingPubrec
	}
}

// SessionStore persists outbound publishes that are not yet acknowledged so a
// client started again with clean start off can finish delivering them.
//
// The client consults the store only on Connect. During reconnects of a live
// client the in-memory tracker is authoritative. Save and Delete errors are
// logged and do not fail the publish.
type SessionStore interface {
	// SavePending stores or replaces the entry for p.PacketID.
	SavePending(p *PendingPublish) error

	// DeletePending removes the entry for packetID. Missing entries are not an error.
	DeletePending(packetID uint16) error

	// LoadPending returns every stored entry.
	LoadPending() ([]*PendingPublish, error)

	// ClearPending removes every entry.
	ClearPending() error
}

// MemoryStore is a SessionStore kept in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[uint16]*PendingPublish
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[uint16]*PendingPublish)}
}

func (s *MemoryStore) SavePending(p *PendingPublish) error {
	c := *p
	s.mu.Lock()
	s.pending[p.PacketID] = &c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeletePending(packetID uint16) error {
	s.mu.Lock()
	delete(s.pending, packetID)
	s.mu.Unlock()
	return nil
}

// LoadPending returns the entries ordered by packet id.
func (s *MemoryStore) LoadPending() ([]*PendingPublish, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*PendingPublish, 0, len(s.pending))
	for _, id := range slices.Sorted(maps.Keys(s.pending)) {
		c := *s.pending[id]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) ClearPending() error {
	s.mu.Lock()
	clear(s.pending)
	s.mu.Unlock()
	return nil
}
