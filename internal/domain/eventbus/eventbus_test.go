package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpai-server-go/internal/platform/observability"
)

func TestAsyncEventBus_DeliversAndDrains(t *testing.T) {
	bus := NewAsyncEventBus(2, 10, nil)
	bus.Start()

	var (
		mu   sync.Mutex
		seen []string
	)
	require.NoError(t, bus.Subscribe(EventCacheHit, func(e CacheEvent) {
		mu.Lock()
		seen = append(seen, e.Key)
		mu.Unlock()
	}))

	for _, k := range []string{"a", "b", "c"} {
		bus.Publish(EventCacheHit, CacheEvent{Provider: "openai", Key: k})
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)

	// publishing after stop is a no-op
	bus.Publish(EventCacheHit, CacheEvent{Key: "late"})
}

func TestAsyncEventBus_RecoversFromPanics(t *testing.T) {
	bus := NewAsyncEventBus(1, 10, nil)
	bus.Start()

	done := make(chan struct{})
	require.NoError(t, bus.Subscribe(EventFallback, func(e FallbackEvent) {
		if e.From == "boom" {
			panic("handler failure")
		}
		close(done)
	}))

	bus.Publish(EventFallback, FallbackEvent{From: "boom"})
	bus.Publish(EventFallback, FallbackEvent{From: "openai", To: "anthropic"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking handler")
	}
	bus.Stop()
}

func TestAsyncEventBus_DropsWhenFull(t *testing.T) {
	bus := NewAsyncEventBus(1, 1, nil)
	// not started: the queue fills immediately
	bus.Publish(EventCacheMiss, CacheEvent{})
	bus.Publish(EventCacheMiss, CacheEvent{})
	assert.EqualValues(t, 1, bus.Dropped())

	bus.Start()
	bus.Stop()
}

func TestAuditHandler_RecordsMetrics(t *testing.T) {
	observability.Reset()
	t.Cleanup(observability.Reset)

	bus := New()
	require.NoError(t, NewAuditHandler(nil).Attach(bus))

	bus.Publish(EventFallback, FallbackEvent{From: "openai", To: "anthropic", Error: "timeout"})
	bus.Publish(EventProviderSelected, ProviderSelectedEvent{Provider: "openai", Reason: "primary"})

	snap := observability.Snapshot()
	assert.Equal(t, 1.0, snap["events{from=openai,to=anthropic,topic=llm:fallback}"])
	assert.Equal(t, 1.0, snap["events{provider=openai,reason=primary,topic=llm:provider_selected}"])
}

func TestNopPublisher(t *testing.T) {
	assert.NotPanics(t, func() { Nop.Publish(EventCacheHit, CacheEvent{}) })
}
