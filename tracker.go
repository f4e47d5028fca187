package mqttbridge

import (
	"slices"
	"sync"
	"time"
)

// InflightState is the acknowledgement stage of an outbound publish.
type InflightState int

const (
	AwaitingPuback  InflightState = iota // QoS 1, PUBLISH sent
	AwaitingPubrec                       // QoS 2, PUBLISH sent
	AwaitingPubcomp                      // QoS 2, PUBREL sent
)

// String returns the state name.
func (s InflightState) String() string {
	switch s {
	case AwaitingPuback:
		return "awaiting PUBACK"
	case AwaitingPubrec:
		return "awaiting PUBREC"
	case AwaitingPubcomp:
		return "awaiting PUBCOMP"
	default:
		return "unknown"
	}
}

// Inflight is a QoS 1 or 2 publish waiting for its final acknowledgement.
type Inflight struct {
	PacketID uint16
	Message  *Message
	State    InflightState
	SentAt   time.Time
	Attempts int

	done chan struct{}
	once sync.Once
	err  error
}

func newInflight(id uint16, msg *Message) *Inflight {
	state := AwaitingPuback
	if msg.QoS == QoS2 {
		state = AwaitingPubrec
	}
	return &Inflight{
		PacketID: id,
		Message:  msg,
		State:    state,
		SentAt:   time.Now(),
		Attempts: 1,
		done:     make(chan struct{}),
	}
}

// complete resolves the entry. Only the first call has any effect.
func (f *Inflight) complete(err error) bool {
	resolved := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the publish is resolved.
func (f *Inflight) Done() <-chan struct{} { return f.done }

// Err returns the resolution error. It is only meaningful after Done is closed.
func (f *Inflight) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// packet returns the packet that must be (re)sent for the current stage.
func (f *Inflight) packet(dup bool) Packet {
	if f.State == AwaitingPubcomp {
		return newPubrel(f.PacketID, ReasonSuccess)
	}
	pkt := f.Message.toPacket(f.PacketID)
	pkt.DUP = dup
	return pkt
}

// Tracker holds the outbound publishes awaiting acknowledgement and the
// inbound QoS 2 packet ids awaiting PUBREL.
type Tracker struct {
	mu       sync.Mutex
	inflight map[uint16]*Inflight
	inbound  map[uint16]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		inflight: make(map[uint16]*Inflight),
		inbound:  make(map[uint16]struct{}),
	}
}

// Track starts tracking msg under packet id.
func (t *Tracker) Track(id uint16, msg *Message) *Inflight {
	f := newInflight(id, msg)
	t.mu.Lock()
	t.inflight[id] = f
	t.mu.Unlock()
	return f
}

// Restore adds a persisted entry in the given stage.
func (t *Tracker) Restore(id uint16, msg *Message, state InflightState) *Inflight {
	f := newInflight(id, msg)
	f.State = state
	t.mu.Lock()
	t.inflight[id] = f
	t.mu.Unlock()
	return f
}

// Get returns the entry for id.
func (t *Tracker) Get(id uint16) (*Inflight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.inflight[id]
	return f, ok
}

// Remove stops tracking id and returns the entry.
func (t *Tracker) Remove(id uint16) (*Inflight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.inflight[id]
	if ok {
		delete(t.inflight, id)
	}
	return f, ok
}

// HandlePuback removes a QoS 1 entry on PUBACK.
func (t *Tracker) HandlePuback(id uint16) (*Inflight, bool) {
	return t.removeInState(id, AwaitingPuback)
}

// HandlePubrec moves a QoS 2 entry to the PUBREL stage. A repeated PUBREC
// for an entry already awaiting PUBCOMP is accepted so PUBREL gets resent.
func (t *Tracker) HandlePubrec(id uint16) (*Inflight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.inflight[id]
	if !ok || f.Message.QoS != QoS2 {
		return nil, false
	}
	if f.State == AwaitingPubrec {
		f.State = AwaitingPubcomp
		f.SentAt = time.Now()
		f.Attempts = 1
	}
	return f, true
}

// HandlePubcomp removes a QoS 2 entry on PUBCOMP.
func (t *Tracker) HandlePubcomp(id uint16) (*Inflight, bool) {
	return t.removeInState(id, AwaitingPubcomp)
}

func (t *Tracker) removeInState(id uint16, state InflightState) (*Inflight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.inflight[id]
	if !ok || f.State != state {
		return nil, false
	}
	delete(t.inflight, id)
	return f, true
}

// Due collects entries whose acknowledgement is overdue. Entries that still
// have retries left are returned in resend with their attempt count bumped;
// entries that used up maxRetries resends are removed and returned in expired.
func (t *Tracker) Due(now time.Time, timeout time.Duration, maxRetries int) (resend, expired []*Inflight) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, f := range t.inflight {
		if now.Sub(f.SentAt) < timeout {
			continue
		}
		if f.Attempts > maxRetries {
			delete(t.inflight, id)
			expired = append(expired, f)
			continue
		}
		f.Attempts++
		f.SentAt = now
		resend = append(resend, f)
	}
	return resend, expired
}

// Snapshot returns every tracked entry, oldest first.
func (t *Tracker) Snapshot() []*Inflight {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Inflight, 0, len(t.inflight))
	for _, f := range t.inflight {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b *Inflight) int {
		return a.SentAt.Compare(b.SentAt)
	})
	return out
}

// packetFor returns the packet to resend for f's current stage.
func (t *Tracker) packetFor(f *Inflight, dup bool) Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return f.packet(dup)
}

// Touch resets the resend timer of every entry, used after a resend on reconnect.
func (t *Tracker) Touch(now time.Time) {
	t.mu.Lock()
	for _, f := range t.inflight {
		f.SentAt = now
	}
	t.mu.Unlock()
}

// Len returns the number of tracked outbound entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// FailAll resolves every entry with err and clears the tracker.
func (t *Tracker) FailAll(err error) []*Inflight {
	t.mu.Lock()
	entries := make([]*Inflight, 0, len(t.inflight))
	for _, f := range t.inflight {
		entries = append(entries, f)
	}
	t.inflight = make(map[uint16]*Inflight)
	t.inbound = make(map[uint16]struct{})
	t.mu.Unlock()

	for _, f := range entries {
		f.complete(err)
	}
	return entries
}

// ReceiveQoS2 records an inbound QoS 2 packet id. It returns false if the id
// is already awaiting PUBREL, meaning the PUBLISH is a redelivery.
func (t *Tracker) ReceiveQoS2(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inbound[id]; ok {
		return false
	}
	t.inbound[id] = struct{}{}
	return true
}

// ResetInbound forgets every inbound QoS 2 packet id. A broker without a
// session for us starts its packet ids over.
func (t *Tracker) ResetInbound() {
	t.mu.Lock()
	t.inbound = make(map[uint16]struct{})
	t.mu.Unlock()
}

// ReleaseQoS2 forgets an inbound QoS 2 packet id on PUBREL.
func (t *Tracker) ReleaseQoS2(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inbound[id]
	delete(t.inbound, id)
	return ok
}
