package mqttbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var calls []string
	handler := func(name string) MessageHandler {
		return func(*Message) { calls = append(calls, name) }
	}

	r.Add(&Subscription{Filter: "a/#", RequestedQoS: QoS1, GrantedQoS: QoS1, Handler: handler("hash")})
	r.Add(&Subscription{Filter: "a/+", RequestedQoS: QoS2, GrantedQoS: QoS1, Handler: handler("plus")})
	r.Add(&Subscription{Filter: "b", Handler: handler("b")})
	assert.Equal(t, 3, r.Len())

	handlers := r.Match("a/x")
	require.Len(t, handlers, 2)
	for _, h := range handlers {
		h(&Message{})
	}
	assert.Equal(t, []string{"hash", "plus"}, calls)

	assert.Empty(t, r.Match("c"))

	sub, ok := r.Get("a/+")
	require.True(t, ok)
	assert.Equal(t, QoS2, sub.RequestedQoS)

	assert.True(t, r.SetGranted("a/+", QoS2))
	assert.False(t, r.SetGranted("zzz", QoS2))
	sub, _ = r.Get("a/+")
	assert.Equal(t, QoS2, sub.GrantedQoS)

	removed, ok := r.Remove("b")
	require.True(t, ok)
	assert.Equal(t, "b", removed.Filter)
	_, ok = r.Remove("b")
	assert.False(t, ok)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a/#", snap[0].Filter)
	assert.Equal(t, "a/+", snap[1].Filter)

	r.Clear()
	assert.Zero(t, r.Len())
}

func TestRegistryReplaceSameFilter(t *testing.T) {
	r := NewRegistry()
	got := ""
	r.Add(&Subscription{Filter: "a", Handler: func(*Message) { got = "first" }})
	r.Add(&Subscription{Filter: "a", Handler: func(*Message) { got = "second" }})

	handlers := r.Match("a")
	require.Len(t, handlers, 1)
	handlers[0](&Message{})
	assert.Equal(t, "second", got)
}

func TestRegistryNilHandlerSkipped(t *testing.T) {
	r := NewRegistry()
	r.Add(&Subscription{Filter: "a"})
	assert.Empty(t, r.Match("a"))
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Add(&Subscription{Filter: "a", GrantedQoS: QoS1})

	snap := r.Snapshot()
	snap[0].GrantedQoS = QoS2

	sub, _ := r.Get("a")
	assert.Equal(t, QoS1, sub.GrantedQoS)
}

func TestRegistrySharedSubscription(t *testing.T) {
	r := NewRegistry()
	r.Add(&Subscription{Filter: "$share/g/a/+", Handler: func(*Message) {}})

	assert.Len(t, r.Match("a/b"), 1)
	assert.Empty(t, r.Match("$share/g/a/b"))
}
