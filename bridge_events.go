package mqttbridge

import (
	"errors"
	"slices"
	"sync"
)

// Bridge event names.
const (
	EventConnectComplete = "connectComplete"
	EventConnectionLost  = "connectionLost"
	EventMessageArrived  = "messageArrived"
)

// ConnectCompleteEvent is sent after every successful connect, including reconnects.
type ConnectCompleteEvent struct {
	Reconnected bool   `json:"reconnected"`
	ServerURI   string `json:"serverURI"`
}

// ConnectionLostEvent is sent when the connection drops unexpectedly or the
// session ends after giving up reconnecting.
type ConnectionLostEvent struct {
	ConnectionStatus string `json:"connectionStatus"`
	ReasonCode       int    `json:"reasonCode"`
	Message          string `json:"message"`
}

// MessageArrivedEvent is sent for every message received on a bridge subscription.
type MessageArrivedEvent struct {
	Topic           string `json:"topic"`
	Message         string `json:"message"`
	CorrelationData string `json:"correlationData"`
	ResponseTopic   string `json:"responseTopic"`
	QoS             int    `json:"qos"`
	Retained        bool   `json:"retained"`
}

// Listener receives the payload of one event: a ConnectCompleteEvent,
// ConnectionLostEvent or MessageArrivedEvent.
type Listener func(event any)

type listenerEntry struct {
	id uint64
	fn Listener
}

// listeners holds the registered listeners per event name.
type listeners struct {
	mu     sync.RWMutex
	nextID uint64
	byName map[string][]listenerEntry
}

func newListeners() *listeners {
	return &listeners{byName: make(map[string][]listenerEntry)}
}

func (l *listeners) add(name string, fn Listener) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.byName[name] = append(l.byName[name], listenerEntry{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.byName[name] = slices.DeleteFunc(l.byName[name], func(e listenerEntry) bool {
			return e.id == id
		})
	}
}

func (l *listeners) removeAll() {
	l.mu.Lock()
	clear(l.byName)
	l.mu.Unlock()
}

func (l *listeners) notify(name string, event any) {
	l.mu.RLock()
	entries := slices.Clone(l.byName[name])
	l.mu.RUnlock()

	for _, e := range entries {
		e.fn(event)
	}
}

// connectionLostEvent builds the event for a session event error, or returns
// false when event is not a loss.
func connectionLostEvent(event error) (ConnectionLostEvent, bool) {
	var lost *ConnectionLostError
	if errors.As(event, &lost) {
		return ConnectionLostEvent{
			ConnectionStatus: "disconnected",
			ReasonCode:       int(lost.ReasonCode),
			Message:          lost.Error(),
		}, true
	}
	if errors.Is(event, ErrReconnectFailed) {
		return ConnectionLostEvent{
			ConnectionStatus: "disconnected",
			ReasonCode:       int(ReasonUnspecifiedError),
			Message:          event.Error(),
		}, true
	}
	return ConnectionLostEvent{}, false
}

func messageArrivedEvent(msg *Message) MessageArrivedEvent {
	return MessageArrivedEvent{
		Topic:           msg.Topic,
		Message:         string(msg.Payload),
		CorrelationData: string(msg.CorrelationData),
		ResponseTopic:   msg.ResponseTopic,
		QoS:             int(msg.QoS),
		Retained:        msg.Retain,
	}
}
