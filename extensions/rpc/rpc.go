// Package rpc implements request/response on top of an mqttbridge client.
// Requests carry the MQTT 5 Response Topic and Correlation Data properties;
// responders publish the answer to the response topic with the same
// correlation data.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vitalvas/mqttbridge"
)

var (
	// ErrTimeout is returned when no response arrives before the context deadline.
	ErrTimeout = errors.New("rpc: request timeout")

	// ErrClosed is returned for calls on a closed handler and for calls
	// still waiting when it is closed.
	ErrClosed = errors.New("rpc: handler closed")
)

// Headers are transmitted as MQTT 5 user properties.
type Headers map[string]string

func (h Headers) pairs() []mqttbridge.StringPair {
	if len(h) == 0 {
		return nil
	}
	out := make([]mqttbridge.StringPair, 0, len(h))
	for k, v := range h {
		out = append(out, mqttbridge.StringPair{Key: k, Value: v})
	}
	return out
}

func headersOf(props []mqttbridge.StringPair) Headers {
	if len(props) == 0 {
		return nil
	}
	h := make(Headers, len(props))
	for _, p := range props {
		h[p.Key] = p.Value
	}
	return h
}

// Request is an outgoing request.
type Request struct {
	Payload     []byte
	Headers     Headers
	ContentType string
}

// Response is the answer to a request.
type Response struct {
	Payload         []byte
	Headers         Headers
	ContentType     string
	CorrelationData []byte
}

// Client is the part of *mqttbridge.Client the handler needs.
type Client interface {
	ClientID() string
	IsConnected() bool
	Subscribe(ctx context.Context, filter string, qos byte, handler mqttbridge.MessageHandler) (mqttbridge.SubscribeResult, error)
	Unsubscribe(ctx context.Context, filter string) error
	Publish(ctx context.Context, msg *mqttbridge.Message) (mqttbridge.PublishResult, error)
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// ResponseTopic defaults to "rpc/response/{clientID}".
	ResponseTopic string
	// QoS is used for requests and the response subscription.
	QoS byte
}

type waiter chan *Response

// Handler sends requests and matches responses by correlation data.
type Handler struct {
	client        Client
	responseTopic string
	qos           byte

	mu      sync.Mutex
	waiting map[string]waiter
	closed  bool
}

// NewHandler subscribes to the response topic and returns a ready handler.
func NewHandler(ctx context.Context, client Client, opts *HandlerOptions) (*Handler, error) {
	if client == nil {
		return nil, errors.New("rpc: client is required")
	}
	if opts == nil {
		opts = &HandlerOptions{}
	}

	responseTopic := opts.ResponseTopic
	if responseTopic == "" {
		responseTopic = "rpc/response/" + client.ClientID()
	}

	h := &Handler{
		client:        client,
		responseTopic: responseTopic,
		qos:           opts.QoS,
		waiting:       make(map[string]waiter),
	}

	if _, err := client.Subscribe(ctx, responseTopic, opts.QoS, h.handleResponse); err != nil {
		return nil, fmt.Errorf("rpc: failed to subscribe to response topic: %w", err)
	}
	return h, nil
}

// ResponseTopic returns the topic responses are expected on.
func (h *Handler) ResponseTopic() string {
	return h.responseTopic
}

// Call publishes req to topic and waits for the matching response or ctx.
func (h *Handler) Call(ctx context.Context, topic string, req *Request) (*Response, error) {
	if !h.client.IsConnected() {
		return nil, mqttbridge.ErrNotConnected
	}
	if req == nil {
		req = &Request{}
	}

	correlID := uuid.NewString()
	ch, err := h.register(correlID)
	if err != nil {
		return nil, err
	}
	defer h.unregister(correlID)

	msg := &mqttbridge.Message{
		Topic:           topic,
		Payload:         req.Payload,
		QoS:             h.qos,
		ResponseTopic:   h.responseTopic,
		CorrelationData: []byte(correlID),
		ContentType:     req.ContentType,
		UserProperties:  req.Headers.pairs(),
	}
	if _, err := h.client.Publish(ctx, msg); err != nil {
		return nil, fmt.Errorf("rpc: failed to publish request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Request is Call without headers.
func (h *Handler) Request(ctx context.Context, topic string, payload []byte) (*Response, error) {
	return h.Call(ctx, topic, &Request{Payload: payload})
}

// Close fails the waiting calls and unsubscribes from the response topic.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for id, ch := range h.waiting {
		close(ch)
		delete(h.waiting, id)
	}
	h.mu.Unlock()

	return h.client.Unsubscribe(ctx, h.responseTopic)
}

func (h *Handler) register(id string) (waiter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	ch := make(waiter, 1)
	h.waiting[id] = ch
	return ch, nil
}

func (h *Handler) unregister(id string) {
	h.mu.Lock()
	delete(h.waiting, id)
	h.mu.Unlock()
}

// handleResponse runs on the client's dispatcher. A response nobody waits
// for is dropped.
func (h *Handler) handleResponse(msg *mqttbridge.Message) {
	if len(msg.CorrelationData) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.waiting[string(msg.CorrelationData)]
	if !ok {
		return
	}
	delete(h.waiting, string(msg.CorrelationData))

	ch <- &Response{
		Payload:         msg.Payload,
		Headers:         headersOf(msg.UserProperties),
		ContentType:     msg.ContentType,
		CorrelationData: msg.CorrelationData,
	}
}

// Responder answers requests received on a subscription.
type Responder func(ctx context.Context, req *mqttbridge.Message) (*Response, error)

// Serve subscribes to filter and publishes the result of fn for every
// request that carries a response topic. Requests without one are ignored.
// ctx must stay alive while serving; it bounds every response publish.
// Responses are published with the QoS of the request.
func Serve(ctx context.Context, client Client, filter string, qos byte, fn Responder) error {
	_, err := client.Subscribe(ctx, filter, qos, func(msg *mqttbridge.Message) {
		if msg.ResponseTopic == "" {
			return
		}
		// The dispatcher must not block on the broker round trip.
		go func() {
			resp, err := fn(ctx, msg)
			if err != nil || resp == nil {
				return
			}
			_, _ = client.Publish(ctx, &mqttbridge.Message{
				Topic:           msg.ResponseTopic,
				Payload:         resp.Payload,
				QoS:             msg.QoS,
				CorrelationData: msg.CorrelationData,
				ContentType:     resp.ContentType,
				UserProperties:  resp.Headers.pairs(),
			})
		}()
	})
	return err
}
