package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/mqttbridge"
)

var _ Client = (*mqttbridge.Client)(nil)

// bus routes publishes between fake clients the way a broker would.
type bus struct {
	mu   sync.Mutex
	subs map[*fakeClient]map[string]mqttbridge.MessageHandler
}

func newBus() *bus {
	return &bus{subs: make(map[*fakeClient]map[string]mqttbridge.MessageHandler)}
}

func (b *bus) deliver(msg *mqttbridge.Message) {
	b.mu.Lock()
	var handlers []mqttbridge.MessageHandler
	for _, filters := range b.subs {
		for filter, h := range filters {
			if mqttbridge.TopicMatch(filter, msg.Topic) {
				handlers = append(handlers, h)
			}
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		c := *msg
		go h(&c)
	}
}

type fakeClient struct {
	bus       *bus
	id        string
	connected bool

	subscribeErr error
	published    chan *mqttbridge.Message
}

func (b *bus) client(id string) *fakeClient {
	c := &fakeClient{bus: b, id: id, connected: true, published: make(chan *mqttbridge.Message, 16)}
	b.mu.Lock()
	b.subs[c] = make(map[string]mqttbridge.MessageHandler)
	b.mu.Unlock()
	return c
}

func (c *fakeClient) ClientID() string  { return c.id }
func (c *fakeClient) IsConnected() bool { return c.connected }

func (c *fakeClient) Subscribe(_ context.Context, filter string, qos byte, handler mqttbridge.MessageHandler) (mqttbridge.SubscribeResult, error) {
	if c.subscribeErr != nil {
		return mqttbridge.SubscribeResult{}, c.subscribeErr
	}
	c.bus.mu.Lock()
	c.bus.subs[c][filter] = handler
	c.bus.mu.Unlock()
	return mqttbridge.SubscribeResult{Topic: filter, QoS: qos}, nil
}

func (c *fakeClient) Unsubscribe(_ context.Context, filter string) error {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if _, ok := c.bus.subs[c][filter]; !ok {
		return mqttbridge.ErrNotSubscribed
	}
	delete(c.bus.subs[c], filter)
	return nil
}

func (c *fakeClient) Publish(_ context.Context, msg *mqttbridge.Message) (mqttbridge.PublishResult, error) {
	if !c.connected {
		return mqttbridge.PublishResult{}, mqttbridge.ErrNotConnected
	}
	select {
	case c.published <- msg:
	default:
	}
	c.bus.deliver(msg)
	return mqttbridge.PublishResult{Topic: msg.Topic, QoS: msg.QoS}, nil
}

func (c *fakeClient) subscribed(filter string) bool {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	_, ok := c.bus.subs[c][filter]
	return ok
}

func echoResponder(_ context.Context, req *mqttbridge.Message) (*Response, error) {
	return &Response{Payload: append([]byte("echo: "), req.Payload...), ContentType: "text/plain"}, nil
}

func TestNewHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("default response topic", func(t *testing.T) {
		c := newBus().client("requester")
		h, err := NewHandler(ctx, c, nil)
		require.NoError(t, err)

		assert.Equal(t, "rpc/response/requester", h.ResponseTopic())
		assert.True(t, c.subscribed("rpc/response/requester"))
	})

	t.Run("custom response topic", func(t *testing.T) {
		c := newBus().client("requester")
		h, err := NewHandler(ctx, c, &HandlerOptions{ResponseTopic: "replies/me", QoS: mqttbridge.QoS1})
		require.NoError(t, err)
		assert.Equal(t, "replies/me", h.ResponseTopic())
	})

	t.Run("nil client", func(t *testing.T) {
		_, err := NewHandler(ctx, nil, nil)
		assert.Error(t, err)
	})

	t.Run("subscribe failure", func(t *testing.T) {
		c := newBus().client("requester")
		c.subscribeErr = mqttbridge.ErrSubscribeFailed
		_, err := NewHandler(ctx, c, nil)
		assert.ErrorIs(t, err, mqttbridge.ErrSubscribeFailed)
	})
}

func TestRequestResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newBus()
	requester := b.client("requester")
	responder := b.client("responder")

	require.NoError(t, Serve(ctx, responder, "service/echo", mqttbridge.QoS1, echoResponder))

	h, err := NewHandler(ctx, requester, &HandlerOptions{QoS: mqttbridge.QoS1})
	require.NoError(t, err)

	resp, err := h.Request(ctx, "service/echo", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", string(resp.Payload))
	assert.Equal(t, "text/plain", resp.ContentType)
	assert.NotEmpty(t, resp.CorrelationData)

	req := <-requester.published
	assert.Equal(t, "service/echo", req.Topic)
	assert.Equal(t, h.ResponseTopic(), req.ResponseTopic)
	assert.Equal(t, mqttbridge.QoS1, req.QoS)
	assert.Equal(t, resp.CorrelationData, req.CorrelationData)

	reply := <-responder.published
	assert.Equal(t, h.ResponseTopic(), reply.Topic)
	assert.Equal(t, mqttbridge.QoS1, reply.QoS)
}

func TestMultipleConcurrentRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newBus()
	require.NoError(t, Serve(ctx, b.client("responder"), "service/+", mqttbridge.QoS0, echoResponder))

	h, err := NewHandler(ctx, b.client("requester"), nil)
	require.NoError(t, err)

	payloads := []string{"a", "b", "c", "d", "e"}
	results := make([]string, len(payloads))
	var wg sync.WaitGroup
	for i, p := range payloads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.Request(ctx, "service/echo", []byte(p))
			if assert.NoError(t, err) {
				results[i] = string(resp.Payload)
			}
		}()
	}
	wg.Wait()

	for i, p := range payloads {
		assert.Equal(t, "echo: "+p, results[i])
	}
}

func TestCallWithHeaders(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newBus()
	responder := func(_ context.Context, req *mqttbridge.Message) (*Response, error) {
		headers := Headers{}
		for _, p := range req.UserProperties {
			headers["echo-"+p.Key] = p.Value
		}
		return &Response{Payload: req.Payload, Headers: headers}, nil
	}
	require.NoError(t, Serve(ctx, b.client("responder"), "service/headers", mqttbridge.QoS0, responder))

	h, err := NewHandler(ctx, b.client("requester"), nil)
	require.NoError(t, err)

	resp, err := h.Call(ctx, "service/headers", &Request{
		Payload:     []byte("x"),
		Headers:     Headers{"trace-id": "abc", "tenant": "t1"},
		ContentType: "application/octet-stream",
	})
	require.NoError(t, err)
	assert.Equal(t, Headers{"echo-trace-id": "abc", "echo-tenant": "t1"}, resp.Headers)
}

func TestCallTimeout(t *testing.T) {
	b := newBus()
	h, err := NewHandler(context.Background(), b.client("requester"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = h.Request(ctx, "service/nobody", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCallCancelled(t *testing.T) {
	b := newBus()
	h, err := NewHandler(context.Background(), b.client("requester"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = h.Request(ctx, "service/nobody", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallNotConnected(t *testing.T) {
	c := newBus().client("requester")
	h, err := NewHandler(context.Background(), c, nil)
	require.NoError(t, err)

	c.connected = false
	_, err = h.Request(context.Background(), "service/echo", nil)
	assert.ErrorIs(t, err, mqttbridge.ErrNotConnected)
}

func TestServeIgnoresRequestsWithoutResponseTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newBus()
	called := make(chan struct{}, 1)
	responder := b.client("responder")
	require.NoError(t, Serve(ctx, responder, "service/echo", mqttbridge.QoS0, func(context.Context, *mqttbridge.Message) (*Response, error) {
		called <- struct{}{}
		return nil, errors.New("unexpected")
	}))

	_, err := b.client("plain").Publish(ctx, &mqttbridge.Message{Topic: "service/echo", Payload: []byte("fire and forget")})
	require.NoError(t, err)

	select {
	case <-called:
		t.Fatal("responder called for a request without response topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServeResponderError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newBus()
	responder := b.client("responder")
	require.NoError(t, Serve(ctx, responder, "service/fail", mqttbridge.QoS0, func(context.Context, *mqttbridge.Message) (*Response, error) {
		return nil, errors.New("boom")
	}))

	h, err := NewHandler(ctx, b.client("requester"), nil)
	require.NoError(t, err)

	callCtx, callCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer callCancel()
	_, err = h.Request(callCtx, "service/fail", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, responder.published)
}

func TestHandlerClose(t *testing.T) {
	b := newBus()
	c := b.client("requester")
	h, err := NewHandler(context.Background(), c, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.Request(context.Background(), "service/nobody", nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.waiting) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Close(context.Background()))
	assert.ErrorIs(t, <-done, ErrClosed)
	assert.False(t, c.subscribed(h.ResponseTopic()))

	require.NoError(t, h.Close(context.Background()))
	_, err = h.Request(context.Background(), "service/echo", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnmatchedResponseDropped(t *testing.T) {
	b := newBus()
	h, err := NewHandler(context.Background(), b.client("requester"), nil)
	require.NoError(t, err)

	h.handleResponse(&mqttbridge.Message{Topic: h.ResponseTopic(), CorrelationData: []byte("unknown")})
	h.handleResponse(&mqttbridge.Message{Topic: h.ResponseTopic()})
	assert.Empty(t, h.waiting)
}
