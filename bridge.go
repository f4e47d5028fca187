package mqttbridge

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// Bridge is the request/response facade over a Client. The embedding
// application creates one Bridge per broker connection and owns it.
//
// Every method returns errors as *BridgeError. Session events are delivered
// to listeners registered with AddListener.
type Bridge struct {
	base      []Option
	listeners *listeners

	mu         sync.Mutex
	client     *Client
	connecting bool
	log        Logger
}

// NewBridge creates a disconnected bridge. The options are applied to every
// client the bridge creates, before the options derived from the
// ConnectRequest. An OnEvent option is replaced by the bridge's own handler.
func NewBridge(opts ...Option) *Bridge {
	return &Bridge{
		base:      opts,
		listeners: newListeners(),
		log:       applyOptions(opts...).logger,
	}
}

// AddListener registers fn for the named event and returns a function that
// removes it.
func (b *Bridge) AddListener(event string, fn Listener) (remove func()) {
	return b.listeners.add(event, fn)
}

// RemoveAllListeners drops every registered listener.
func (b *Bridge) RemoveAllListeners() {
	b.listeners.removeAll()
}

// Client returns the client of the current or last session, or nil before
// the first Connect.
func (b *Bridge) Client() *Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// Connect validates req and opens a session with the options it describes.
func (b *Bridge) Connect(ctx context.Context, req ConnectRequest) error {
	req = req.withDefaults()
	if err := req.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.connecting || (b.client != nil && b.client.State() != StateDisconnected) {
		b.mu.Unlock()
		return toBridgeError(ErrInvalidState)
	}

	opts := make([]Option, 0, len(b.base)+12)
	opts = append(opts, b.base...)
	opts = append(opts, req.options()...)
	opts = append(opts, OnEvent(func(_ *Client, event error) {
		b.handleClientEvent(event)
	}))

	client := NewClient(opts...)
	b.client = client
	b.connecting = true
	b.mu.Unlock()

	err := client.Connect(ctx)

	b.mu.Lock()
	b.connecting = false
	b.mu.Unlock()

	if err != nil {
		return toBridgeError(err)
	}
	return nil
}

// Disconnect ends the session.
func (b *Bridge) Disconnect(ctx context.Context) error {
	client := b.Client()
	if client == nil {
		return toBridgeError(ErrNotConnected)
	}
	return toBridgeError(client.Disconnect(ctx))
}

// Subscribe subscribes to req.Topic. Messages are delivered to the
// messageArrived listeners.
func (b *Bridge) Subscribe(ctx context.Context, req SubscribeRequest) (SubscribeResponse, error) {
	if err := req.Validate(); err != nil {
		return SubscribeResponse{}, err
	}
	client := b.Client()
	if client == nil {
		return SubscribeResponse{}, toBridgeError(ErrNotConnected)
	}

	res, err := client.Subscribe(ctx, req.Topic, byte(req.QoS), b.handleMessage)
	if err != nil {
		return SubscribeResponse{}, toBridgeError(err)
	}
	return SubscribeResponse{Topic: res.Topic, QoS: int(res.QoS)}, nil
}

// Unsubscribe removes the subscription for req.Topic.
func (b *Bridge) Unsubscribe(ctx context.Context, req UnsubscribeRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	client := b.Client()
	if client == nil {
		return toBridgeError(ErrNotConnected)
	}
	return toBridgeError(client.Unsubscribe(ctx, req.Topic))
}

// Publish publishes req and returns once the delivery guarantee of its QoS is met.
func (b *Bridge) Publish(ctx context.Context, req PublishRequest) (PublishResponse, error) {
	if err := req.Validate(); err != nil {
		return PublishResponse{}, err
	}
	client := b.Client()
	if client == nil {
		return PublishResponse{}, toBridgeError(ErrNotConnected)
	}

	res, err := client.Publish(ctx, req.message())
	if err != nil {
		return PublishResponse{}, toBridgeError(err)
	}
	return PublishResponse{
		Topic:           res.Topic,
		Payload:         string(res.Payload),
		QoS:             int(res.QoS),
		Retained:        res.Retained,
		CorrelationData: req.CorrelationData,
		MessageID:       strconv.Itoa(int(res.MessageID)),
	}, nil
}

// handleClientEvent translates session events into bridge events.
func (b *Bridge) handleClientEvent(event error) {
	if event == nil {
		return
	}

	var connected *ConnectedEvent
	if errors.As(event, &connected) {
		b.listeners.notify(EventConnectComplete, ConnectCompleteEvent{
			Reconnected: connected.Reconnected,
			ServerURI:   connected.ServerURI,
		})
		return
	}

	if lost, ok := connectionLostEvent(event); ok {
		b.log.Warn("bridge connection lost", LogFields{LogFieldError: lost.Message})
		b.listeners.notify(EventConnectionLost, lost)
	}
}

func (b *Bridge) handleMessage(msg *Message) {
	b.listeners.notify(EventMessageArrived, messageArrivedEvent(msg))
}
