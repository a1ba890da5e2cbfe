package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskish/discobot/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("discobot.events.published", func(_ context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	event := NewEvent("session_updated", "test", map[string]interface{}{"seq": 7})
	require.NoError(t, bus.Publish(context.Background(), "discobot.events.published", event))

	select {
	case got := <-received:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, "session_updated", got.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryBusSubjectIsolation(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count atomic.Int64
	_, err := bus.Subscribe("discobot.a", func(context.Context, *Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "discobot.b", NewEvent("x", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), count.Load())
}

func TestMemoryBusWildcards(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var single, tail atomic.Int64
	_, err := bus.Subscribe("discobot.*.updated", func(context.Context, *Event) error {
		single.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("discobot.>", func(context.Context, *Event) error {
		tail.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "discobot.session.updated", NewEvent("x", "test", nil)))
	require.NoError(t, bus.Publish(context.Background(), "discobot.session.created.deep", NewEvent("y", "test", nil)))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int64(1), single.Load(), "* matches exactly one token")
	assert.Equal(t, int64(2), tail.Load(), "> matches the remainder")
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count atomic.Int64
	sub, err := bus.Subscribe("discobot.x", func(context.Context, *Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "discobot.x", NewEvent("a", "test", nil)))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, bus.Publish(context.Background(), "discobot.x", NewEvent("b", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
}

func TestMemoryBusConcurrentPublish(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count atomic.Int64
	_, err := bus.Subscribe("discobot.load", func(context.Context, *Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)

	const publishers, perPublisher = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				_ = bus.Publish(context.Background(), "discobot.load", NewEvent("n", "test", nil))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return count.Load() == int64(publishers*perPublisher)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()

	assert.False(t, bus.IsConnected())
	assert.Error(t, bus.Publish(context.Background(), "discobot.x", NewEvent("a", "test", nil)))
}
