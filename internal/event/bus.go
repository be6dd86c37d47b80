package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sentinel errors reported by the bus.
var (
	// ErrInvalidCategory is returned when an unknown category string is supplied.
	ErrInvalidCategory = errors.New("invalid category")
	// ErrBusClosed is returned when operating on a closed bus.
	ErrBusClosed = errors.New("event bus closed")
)

// Handler processes a single delivered event. A non-nil error marks the
// delivery failed; at-least-once retryable events are then retried.
type Handler func(ctx context.Context, e *Event) error

// Config holds bus delivery tuning.
type Config struct {
	// RetryCeiling is the maximum number of delivery attempts for
	// at-least-once events.
	RetryCeiling int
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration
	// BackoffMultiplier scales the delay between successive retries.
	BackoffMultiplier float64
	// DefaultTTL applies to events that carry no TTL of their own.
	// Zero means such events never expire.
	DefaultTTL time.Duration
	// QueueSize bounds each subscription's pending delivery queue.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 10 * time.Millisecond
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// FailReason classifies a per-subscriber delivery failure.
type FailReason string

// Failure reasons.
const (
	// ReasonFailed marks a fire-and-forget delivery whose handler errored.
	ReasonFailed FailReason = "failed"
	// ReasonExhausted marks an at-least-once delivery that used up its
	// attempt ceiling.
	ReasonExhausted FailReason = "delivery_exhausted"
	// ReasonExpired marks a delivery whose event TTL elapsed before success.
	ReasonExpired FailReason = "expired"
	// ReasonQueueFull marks a delivery rejected by a full subscriber queue.
	ReasonQueueFull FailReason = "queue_full"
	// ReasonCancelled marks a delivery abandoned by the publisher's context.
	ReasonCancelled FailReason = "cancelled"
)

// Failure records one subscriber that did not receive an event.
type Failure struct {
	SubscriberID string
	Reason       FailReason
}

// PublishResult summarises the outcome of one publish call.
type PublishResult struct {
	Delivered int
	Failed    []Failure
}

// Status is a point-in-time snapshot of bus health.
type Status struct {
	Running             bool
	ActiveSubscriptions int
	EventsPerSecond     float64
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscription)

// WithFilter restricts the subscription to events matching the predicate.
func WithFilter(f Filter) SubscribeOption {
	return func(s *subscription) { s.filter = &f }
}

// WithSubscriptionTTL expires the subscription after d; expired subscriptions
// are pruned lazily during publish.
func WithSubscriptionTTL(d time.Duration) SubscribeOption {
	return func(s *subscription) { s.expiresAt = time.Now().Add(d) }
}

type delivery struct {
	event   *Event
	outcome chan FailReason // empty string value means delivered
}

type subscription struct {
	id           string
	subscriberID string
	category     Category
	filter       *Filter
	handler      Handler
	expiresAt    time.Time

	mu     sync.Mutex
	closed bool
	queue  chan *delivery
	quit   chan struct{}
}

// enqueue offers a delivery to the subscription's queue. It returns "" on
// success, ReasonCancelled if the subscription closed since it was matched,
// or ReasonQueueFull if the queue has no room.
func (s *subscription) enqueue(d *delivery) FailReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ReasonCancelled
	}
	select {
	case s.queue <- d:
		return ""
	default:
		return ReasonQueueFull
	}
}

// close marks the subscription closed and signals its worker. Safe to call
// once only; callers hold the bus write lock.
func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.quit)
}

func (s *subscription) expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && now.After(s.expiresAt)
}

func (s *subscription) replacementKey() string {
	sig := ""
	if s.filter != nil {
		sig = s.filter.signature()
	}
	return s.subscriberID + "\x00" + string(s.category) + "\x00" + sig
}

// Bus is an in-process typed publish/subscribe router. All methods are safe
// for concurrent use. Handlers are invoked on per-subscription worker
// goroutines; no bus lock is held during handler execution.
type Bus struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[string]*subscription // subscriptionID → subscription
	keys   map[string]string        // replacement key → subscriptionID
	closed bool

	startedAt time.Time
	published atomic.Uint64
}

// NewBus creates a bus with the given delivery configuration.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a running Bus ready for subscriptions.
func NewBus(cfg Config, logger *zap.Logger) *Bus {
	return &Bus{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		subs:      make(map[string]*subscription),
		keys:      make(map[string]string),
		startedAt: time.Now(),
	}
}

// Subscribe registers a handler for events in the given category. The
// wildcard category matches everything. Re-subscribing with the same
// subscriber, category, and filter replaces the prior subscription.
//
// Precondition: subscriberID must be non-empty; handler must be non-nil.
// Postcondition: Returns a subscription ID, or ErrInvalidCategory /
// ErrBusClosed.
func (b *Bus) Subscribe(subscriberID string, category Category, handler Handler, opts ...SubscribeOption) (string, error) {
	if subscriberID == "" {
		return "", fmt.Errorf("subscriberId must not be empty")
	}
	if handler == nil {
		return "", fmt.Errorf("handler must not be nil")
	}
	if category != CategoryWildcard {
		if _, err := ParseCategory(string(category)); err != nil {
			return "", err
		}
	}

	sub := &subscription{
		id:           uuid.NewString(),
		subscriberID: subscriberID,
		category:     category,
		handler:      handler,
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.filter != nil {
		if err := sub.filter.Validate(); err != nil {
			return "", fmt.Errorf("invalid filter: %w", err)
		}
	}
	sub.queue = make(chan *delivery, b.cfg.QueueSize)
	sub.quit = make(chan struct{})

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBusClosed
	}

	key := sub.replacementKey()
	if priorID, ok := b.keys[key]; ok {
		if prior, ok := b.subs[priorID]; ok {
			prior.close()
			delete(b.subs, priorID)
		}
	}
	b.subs[sub.id] = sub
	b.keys[key] = sub.id

	go b.run(sub)
	return sub.id, nil
}

// Unsubscribe removes a subscription. Removing an unknown or already-removed
// subscription is a no-op, not an error.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[subscriptionID]
	if !ok {
		return
	}
	sub.close()
	delete(b.subs, subscriptionID)
	delete(b.keys, sub.replacementKey())
}

// UnsubscribeAll removes every subscription held by the given subscriber
// atomically.
func (b *Bus) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if sub.subscriberID == subscriberID {
			sub.close()
			delete(b.subs, id)
			delete(b.keys, sub.replacementKey())
		}
	}
}

// Publish dispatches the event to every matching subscription and blocks
// until each delivery reaches a terminal outcome. At-least-once deliveries
// may retry with backoff before resolving, so callers holding a session
// serialization point should publish from outside the critical section (or
// via a goroutine) when the event is retryable.
//
// Precondition: e must be a valid event with a concrete category.
// Postcondition: Returns the per-subscriber outcome summary. Events from a
// single publisher to a single subscriber resolve in publish order.
func (b *Bus) Publish(ctx context.Context, e *Event) PublishResult {
	var result PublishResult

	if _, err := ParseCategory(string(e.Category)); err != nil {
		b.logger.Warn("dropping event with invalid category",
			zap.String("event_id", e.ID),
			zap.String("category", string(e.Category)),
		)
		return result
	}

	now := time.Now()
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return result
	}
	matched := make([]*subscription, 0, 4)
	var stale []string
	for id, sub := range b.subs {
		if sub.expired(now) {
			stale = append(stale, id)
			continue
		}
		if sub.category != CategoryWildcard && sub.category != e.Category {
			continue
		}
		if sub.filter != nil && !sub.filter.Match(e) {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	for _, id := range stale {
		b.Unsubscribe(id)
	}

	b.published.Add(1)

	type pending struct {
		sub *subscription
		d   *delivery
	}
	inflight := make([]pending, 0, len(matched))
	for _, sub := range matched {
		d := &delivery{event: e, outcome: make(chan FailReason, 1)}
		if reason := sub.enqueue(d); reason != "" {
			result.Failed = append(result.Failed, Failure{
				SubscriberID: sub.subscriberID,
				Reason:       reason,
			})
			if reason == ReasonQueueFull {
				b.logger.Warn("subscriber queue full, dropping delivery",
					zap.String("subscriber", sub.subscriberID),
					zap.String("event_id", e.ID),
					zap.String("event_type", e.Type),
				)
			}
			continue
		}
		inflight = append(inflight, pending{sub: sub, d: d})
	}

	for _, p := range inflight {
		select {
		case reason := <-p.d.outcome:
			if reason == "" {
				result.Delivered++
			} else {
				result.Failed = append(result.Failed, Failure{
					SubscriberID: p.sub.subscriberID,
					Reason:       reason,
				})
			}
		case <-ctx.Done():
			result.Failed = append(result.Failed, Failure{
				SubscriberID: p.sub.subscriberID,
				Reason:       ReasonCancelled,
			})
		}
	}
	return result
}

// run is the per-subscription delivery worker. It processes queued
// deliveries strictly in order; a retrying delivery delays but never
// reorders later events from the same publisher.
func (b *Bus) run(sub *subscription) {
	for {
		select {
		case <-sub.quit:
			b.drain(sub)
			return
		case d := <-sub.queue:
			d.outcome <- b.deliver(sub, d.event)
		}
	}
}

// drain answers all remaining queued deliveries as failed after close. No
// new deliveries can be enqueued at this point (the closed flag is set
// before quit is signalled).
func (b *Bus) drain(sub *subscription) {
	for {
		select {
		case d := <-sub.queue:
			d.outcome <- ReasonCancelled
		default:
			return
		}
	}
}

// deliver invokes the handler with retry/backoff semantics and returns the
// terminal outcome ("" = delivered).
func (b *Bus) deliver(sub *subscription, e *Event) FailReason {
	deadline := e.Deadline(b.cfg.DefaultTTL)
	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	backoff := b.cfg.BackoffBase
	for attempt := 1; ; attempt++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			b.logger.Warn("event expired before delivery",
				zap.String("subscriber", sub.subscriberID),
				zap.String("event_id", e.ID),
				zap.Int("attempts", attempt-1),
			)
			return ReasonExpired
		}

		err := sub.handler(ctx, e)
		if err == nil {
			return ""
		}

		retryable := e.Metadata.DeliveryMode == AtLeastOnce && e.Metadata.Retryable
		if !retryable {
			b.logger.Debug("fire-and-forget delivery failed",
				zap.String("subscriber", sub.subscriberID),
				zap.String("event_id", e.ID),
				zap.Error(err),
			)
			return ReasonFailed
		}
		if attempt >= b.cfg.RetryCeiling {
			b.logger.Warn("delivery retries exhausted",
				zap.String("subscriber", sub.subscriberID),
				zap.String("event_id", e.ID),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return ReasonExhausted
		}
		if !deadline.IsZero() && time.Now().Add(backoff).After(deadline) {
			// The next attempt could not start inside the TTL window.
			return ReasonExpired
		}

		select {
		case <-time.After(backoff):
		case <-sub.quit:
			return ReasonCancelled
		}
		backoff = time.Duration(float64(backoff) * b.cfg.BackoffMultiplier)
	}
}

// Status reports bus health: running state, live subscription count, and a
// coarse events-per-second estimate over the bus lifetime.
func (b *Bus) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	elapsed := time.Since(b.startedAt).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(b.published.Load()) / elapsed
	}
	return Status{
		Running:             !b.closed,
		ActiveSubscriptions: len(b.subs),
		EventsPerSecond:     rate,
	}
}

// Close stops all subscription workers and rejects further operations.
// Safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}
	b.keys = make(map[string]string)
}
