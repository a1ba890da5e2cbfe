package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wskish/discobot/internal/common/constants"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/events/bus"
	"github.com/wskish/discobot/internal/store"
	"github.com/wskish/discobot/pkg/model"
)

// hintSubject is the bus subject used to nudge other replicas' pollers
// immediately after a publication instead of waiting a full poll interval.
const hintSubject = "discobot.events.published"

// Broker is the single source of project-event fan-out in a process. Every
// publication persists the event first (assigning its global seq), then
// delivers the persisted row to in-process subscribers of the matching
// project. A poller independently picks up rows written by other
// processes, so multi-replica deployments fan out correctly with no
// required pub/sub sidecar; an optional bus transport only shortens the
// poll latency, never replaces the database as the source of truth.
type Broker struct {
	store        store.EventStore
	logger       *logger.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{} // by project ID
	lastSeq int64

	hintBus bus.EventBus // optional; nil when NATS is not configured
	hintCh  chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Subscription is one subscriber's handle on a project's event stream.
// Delivery is non-blocking: when the buffer is full the oldest queued
// event is dropped and the drop recorded, so a stalled consumer observes
// a seq gap rather than blocking the broker.
type Subscription struct {
	projectID string
	ch        chan *model.ProjectEvent
	broker    *Broker

	mu      sync.Mutex
	lastSeq int64
	dropped int64
	closed  bool
}

// NewBroker creates a Broker over the given event store. hintBus may be
// nil; when set, publications also emit a cross-process wake-up so other
// replicas poll immediately.
func NewBroker(s store.EventStore, hintBus bus.EventBus, log *logger.Logger) *Broker {
	return &Broker{
		store:        s,
		logger:       log.WithFields(zap.String("component", "event_broker")),
		pollInterval: constants.EventPollInterval,
		subs:         make(map[string]map[*Subscription]struct{}),
		hintBus:      hintBus,
		hintCh:       make(chan struct{}, 1),
	}
}

// Start begins the poller. The broker starts tailing from the current end
// of the event log; subscribers needing history replay it themselves via
// ListProjectEventsAfterID.
func (b *Broker) Start(ctx context.Context) error {
	maxSeq, err := b.store.MaxEventSeq(ctx)
	if err != nil {
		return fmt.Errorf("read current event seq: %w", err)
	}
	b.mu.Lock()
	b.lastSeq = maxSeq
	b.stopCh = make(chan struct{})
	b.mu.Unlock()

	if b.hintBus != nil {
		_, err := b.hintBus.Subscribe(hintSubject, func(ctx context.Context, _ *bus.Event) error {
			select {
			case b.hintCh <- struct{}{}:
			default:
			}
			return nil
		})
		if err != nil {
			b.logger.Warn("hint-bus subscribe failed; relying on poller alone", zap.Error(err))
		}
	}

	b.wg.Add(1)
	go b.pollLoop(ctx)

	b.logger.Info("event broker started",
		zap.Int64("tail_seq", maxSeq),
		zap.Duration("poll_interval", b.pollInterval))
	return nil
}

// Stop halts the poller and closes every subscription.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopCh != nil {
		close(b.stopCh)
		b.stopCh = nil
	}
	var all []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	for _, sub := range all {
		sub.Close()
	}
	b.logger.Info("event broker stopped")
}

// Publish serializes data, persists the event (assigning seq), and fans it
// out to this process's subscribers of projectID. Returns the persisted
// row.
func (b *Broker) Publish(ctx context.Context, projectID, eventType string, data any) (*model.ProjectEvent, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	e := &model.ProjectEvent{
		ProjectID: projectID,
		Type:      eventType,
		Data:      string(payload),
	}
	if err := b.store.CreateProjectEvent(ctx, e); err != nil {
		return nil, err
	}

	b.deliver(e)

	if b.hintBus != nil {
		hint := bus.NewEvent(eventType, "event_broker", map[string]interface{}{"seq": e.Seq})
		if err := b.hintBus.Publish(ctx, hintSubject, hint); err != nil {
			b.logger.Debug("hint publish failed", zap.Error(err))
		}
	}
	return e, nil
}

// Subscribe registers a subscriber for projectID's events. Close the
// returned Subscription to unsubscribe.
func (b *Broker) Subscribe(projectID string) *Subscription {
	sub := &Subscription{
		projectID: projectID,
		ch:        make(chan *model.ProjectEvent, constants.SSEClientBuffer),
		broker:    b,
	}

	b.mu.Lock()
	set, ok := b.subs[projectID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[projectID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// deliver fans e out to every subscriber of its project.
func (b *Broker) deliver(e *model.ProjectEvent) {
	b.mu.Lock()
	set := b.subs[e.ProjectID]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.send(e)
	}
}

// pollLoop tails the event log for rows this process didn't write itself.
// Direct deliveries and poller deliveries deduplicate per-subscriber by
// seq, so a row is handed to each subscriber at most once from this
// process even though both paths see it.
func (b *Broker) pollLoop(ctx context.Context) {
	defer b.wg.Done()

	b.mu.Lock()
	stopCh := b.stopCh
	b.mu.Unlock()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		case <-b.hintCh:
		}
		b.pollOnce(ctx)
	}
}

func (b *Broker) pollOnce(ctx context.Context) {
	for {
		b.mu.Lock()
		after := b.lastSeq
		b.mu.Unlock()

		rows, err := b.store.ListEventsAfterSeq(ctx, after, 256)
		if err != nil {
			b.logger.Warn("event poll failed", zap.Error(err))
			return
		}
		if len(rows) == 0 {
			return
		}
		for _, e := range rows {
			b.mu.Lock()
			if e.Seq > b.lastSeq {
				b.lastSeq = e.Seq
			}
			b.mu.Unlock()
			b.deliver(e)
		}
		if len(rows) < 256 {
			return
		}
	}
}

// Events is the subscriber's receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan *model.ProjectEvent { return s.ch }

// Dropped reports how many events were discarded because the subscriber's
// buffer was full. Consumers detect the loss itself as a seq gap.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes the Events channel. Safe to call twice.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	b := s.broker
	b.mu.Lock()
	if set, ok := b.subs[s.projectID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.projectID)
		}
	}
	b.mu.Unlock()

	close(s.ch)
}

// send delivers e unless the subscriber already saw a seq >= e.Seq (the
// poller and direct delivery both route through here). On a full buffer
// the oldest queued event is dropped so delivery never blocks.
func (s *Subscription) send(e *model.ProjectEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || e.Seq <= s.lastSeq {
		return
	}
	s.lastSeq = e.Seq

	for {
		select {
		case s.ch <- e:
			return
		default:
			select {
			case <-s.ch:
				s.dropped++
			default:
			}
		}
	}
}
