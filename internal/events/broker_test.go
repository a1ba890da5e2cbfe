package events

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/store/sqlstore"
	"github.com/wskish/discobot/pkg/model"
)

func testBroker(t *testing.T) (*Broker, *sqlstore.SQLStore) {
	t.Helper()
	st, err := sqlstore.Open(filepath.Join(t.TempDir(), "events.db"), 0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	b := NewBroker(st, nil, log)
	b.pollInterval = 20 * time.Millisecond
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b, st
}

func TestPublishPersistsAndDelivers(t *testing.T) {
	b, st := testBroker(t)
	ctx := context.Background()

	sub := b.Subscribe("p1")
	defer sub.Close()

	e, err := b.Publish(ctx, "p1", model.EventTypeSessionUpdated, SessionUpdatedData{
		SessionID: "s1", Status: "running",
	})
	require.NoError(t, err)
	assert.Greater(t, e.Seq, int64(0))

	select {
	case got := <-sub.Events():
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, model.EventTypeSessionUpdated, got.Type)
		assert.Contains(t, got.Data, `"sessionId":"s1"`)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	// The row is the source of truth.
	rows, err := st.ListEventsAfterSeq(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, e.Seq, rows[0].Seq)
}

// Any single subscriber observes seq order, with no duplicates even
// though both the direct path and the poller see every row.
func TestSubscriberSeqOrderNoDuplicates(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	sub := b.Subscribe("p1")
	defer sub.Close()

	const n = 30
	for i := 0; i < n; i++ {
		_, err := b.Publish(ctx, "p1", model.EventTypeSessionUpdated, SessionUpdatedData{
			SessionID: fmt.Sprintf("s%d", i),
		})
		require.NoError(t, err)
	}

	// Let the poller run a few cycles over the same rows.
	time.Sleep(100 * time.Millisecond)

	var last int64
	count := 0
	for count < n {
		select {
		case e := <-sub.Events():
			require.Greater(t, e.Seq, last, "seq must be strictly increasing per subscriber")
			last = e.Seq
			count++
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d events arrived", count, n)
		}
	}

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected duplicate delivery: seq %d", e.Seq)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProjectIsolation(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	sub := b.Subscribe("p2")
	defer sub.Close()

	_, err := b.Publish(ctx, "p1", model.EventTypeWorkspaceUpdated, WorkspaceUpdatedData{WorkspaceID: "w"})
	require.NoError(t, err)

	select {
	case e := <-sub.Events():
		t.Fatalf("subscriber of p2 received p1 event seq %d", e.Seq)
	case <-time.After(100 * time.Millisecond):
	}
}

// Rows written by another process (here: straight into the store) reach
// subscribers through the poller.
func TestPollerPicksUpForeignWrites(t *testing.T) {
	b, st := testBroker(t)
	ctx := context.Background()

	sub := b.Subscribe("p1")
	defer sub.Close()

	e := &model.ProjectEvent{ProjectID: "p1", Type: model.EventTypeSessionUpdated, Data: `{"sessionId":"x"}`}
	require.NoError(t, st.CreateProjectEvent(ctx, e))

	select {
	case got := <-sub.Events():
		assert.Equal(t, e.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("poller did not deliver the foreign write")
	}
}

// A stalled subscriber loses the oldest events (visible as a seq gap) and
// never blocks delivery.
func TestSlowSubscriberDropsOldest(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	sub := b.Subscribe("p1")
	defer sub.Close()

	const overflow = 50
	total := cap(sub.ch) + overflow
	for i := 0; i < total; i++ {
		_, err := b.Publish(ctx, "p1", model.EventTypeSessionUpdated, SessionUpdatedData{})
		require.NoError(t, err)
	}

	assert.GreaterOrEqual(t, sub.Dropped(), int64(overflow))

	// The buffered tail is still in order.
	var last int64
	drained := 0
	for {
		select {
		case e := <-sub.Events():
			require.Greater(t, e.Seq, last)
			last = e.Seq
			drained++
		default:
			require.Equal(t, cap(sub.ch), drained)
			return
		}
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b, _ := testBroker(t)
	ctx := context.Background()

	sub := b.Subscribe("p1")
	sub.Close()

	_, err := b.Publish(ctx, "p1", model.EventTypeSessionUpdated, SessionUpdatedData{})
	require.NoError(t, err)

	_, open := <-sub.Events()
	assert.False(t, open, "channel closes on unsubscribe")
}
