package mqttbridge

import (
	"errors"
	"sync"
)

var (
	ErrPacketIDExhausted = errors.New("no available packet IDs")
	ErrPacketIDNotFound  = errors.New("packet ID not found")
)

// PacketIDManager hands out packet identifiers 1..65535.
// The counter wraps and skips identifiers still in use.
type PacketIDManager struct {
	mu   sync.Mutex
	used map[uint16]struct{}
	next uint16
}

// NewPacketIDManager creates a new packet ID manager.
func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		used: make(map[uint16]struct{}),
		next: 1,
	}
}

func (m *PacketIDManager) advance() {
	m.next++
	if m.next == 0 {
		m.next = 1
	}
}

// Allocate reserves the next free packet ID.
func (m *PacketIDManager) Allocate() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.used) >= maxUint16 {
		return 0, ErrPacketIDExhausted
	}

	for {
		id := m.next
		m.advance()
		if _, ok := m.used[id]; !ok {
			m.used[id] = struct{}{}
			return id, nil
		}
	}
}

// Reserve marks id as used. It is used when restoring persisted in-flight messages.
func (m *PacketIDManager) Reserve(id uint16) {
	if id == 0 {
		return
	}
	m.mu.Lock()
	m.used[id] = struct{}{}
	m.mu.Unlock()
}

// Generate returns the next counter value without reserving it.
// QoS 0 publishes use it as their message id.
func (m *PacketIDManager) Generate() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < maxUint16; i++ {
		id := m.next
		m.advance()
		if _, ok := m.used[id]; !ok {
			return id
		}
	}
	id := m.next
	m.advance()
	return id
}

// Release returns a packet ID to the pool.
func (m *PacketIDManager) Release(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.used[id]; !ok {
		return ErrPacketIDNotFound
	}
	delete(m.used, id)
	return nil
}

// IsUsed returns true if the packet ID is currently in use.
func (m *PacketIDManager) IsUsed(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.used[id]
	return ok
}

// InUse returns the count of packet IDs currently in use.
func (m *PacketIDManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}

// Reset releases every packet ID.
func (m *PacketIDManager) Reset() {
	m.mu.Lock()
	m.used = make(map[uint16]struct{})
	m.mu.Unlock()
}
