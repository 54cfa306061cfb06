// Package eventbus implements the C10 event bus from spec.md §4.8: a
// process-wide publish/subscribe channel with write-through persistence.
// Grounded on spec.md §4.8's contract directly; the persist-then-deliver,
// fan-out-error-collecting shape follows the constructor-injected,
// mutex-guarded service style the rest of the core uses (e.g.
// internal/embedqueue.Queue), since no pack repo ships an event bus to
// imitate structurally.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kittclouds/corekit/internal/domain"
	"github.com/kittclouds/corekit/internal/errs"
	"github.com/kittclouds/corekit/internal/storage"
)

// Event is one published item, per spec.md §4.8.
type Event struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	CorrelationID string    `json:"correlationId"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Filter selects which published events a subscriber observes. A blank
// field matches anything.
type Filter struct {
	Kind          string
	CorrelationID string
}

func (f Filter) matches(e Event) bool {
	if f.Kind != "" && f.Kind != e.Kind {
		return false
	}
	if f.CorrelationID != "" && f.CorrelationID != e.CorrelationID {
		return false
	}
	return true
}

// Handler processes one delivered event.
type Handler func(ctx context.Context, e Event) error

// Repository is the append-only, query-by-correlation-id sink behind the
// bus, per spec.md §6's EventRepository contract.
type Repository interface {
	Save(ctx context.Context, e Event) error
	FindAll(ctx context.Context) ([]Event, error)
	FindByCorrelationID(ctx context.Context, correlationID string) ([]Event, error)
}

// BoltRepository is a Repository backed by a storage.KVBackend bucket,
// grounded the same way internal/version and internal/edge are on
// cuemby-warren/pkg/storage/boltdb.go's bucket-per-kind pattern.
type BoltRepository struct {
	backend storage.KVBackend
	bucket  string
}

// NewBoltRepository builds a BoltRepository over backend, scoped to bucket
// (conventionally "events").
func NewBoltRepository(backend storage.KVBackend, bucket string) *BoltRepository {
	return &BoltRepository{backend: backend, bucket: bucket}
}

func (r *BoltRepository) Save(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return errs.Wrap(errs.Corrupt, "eventbus: encode event", err)
	}
	return r.backend.Put(ctx, r.bucket, e.ID, raw)
}

func (r *BoltRepository) FindAll(ctx context.Context) ([]Event, error) {
	var out []Event
	err := r.backend.ForEach(ctx, r.bucket, func(kv storage.KeyValue) error {
		var e Event
		if jsonErr := json.Unmarshal(kv.Value, &e); jsonErr != nil {
			return errs.Wrap(errs.Corrupt, fmt.Sprintf("eventbus: decode %s", kv.Key), jsonErr)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (r *BoltRepository) FindByCorrelationID(ctx context.Context, correlationID string) ([]Event, error) {
	all, err := r.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, e := range all {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out, nil
}

type subscription struct {
	id      string
	filter  Filter
	handler Handler
}

// Bus is the process-wide publish/subscribe channel.
type Bus struct {
	mu            sync.Mutex
	repository    Repository
	subscriptions []*subscription
}

// New builds a Bus persisting through repository.
func New(repository Repository) *Bus {
	return &Bus{repository: repository}
}

// Publish persists e (assigning a correlation id if blank) before
// delivering it to every subscriber in subscription order. A subscriber
// failure does not stop delivery to the rest; all failures are collected
// into a single FanOutError returned to the caller, per spec.md §4.8.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = domain.NewUUID()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = domain.NewUUID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if err := b.repository.Save(ctx, e); err != nil {
		return err
	}

	b.mu.Lock()
	subs := make([]*subscription, len(b.subscriptions))
	copy(subs, b.subscriptions)
	b.mu.Unlock()

	var failures []error
	for _, sub := range subs {
		if !sub.filter.matches(e) {
			continue
		}
		if err := sub.handler(ctx, e); err != nil {
			failures = append(failures, err)
		}
	}
	return errs.NewFanOut(failures)
}

// Subscription is a cancelable registration returned by Subscribe.
type Subscription struct {
	bus *Bus
	id  string
}

// Cancel removes the subscription; subsequent publishes will not reach it.
func (s Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subscriptions {
		if sub.id == s.id {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			return
		}
	}
}

// Subscribe registers handler to receive every future published event
// matching filter, in subscription order relative to other subscribers.
func (b *Bus) Subscribe(filter Filter, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{id: domain.NewUUID(), filter: filter, handler: handler}
	b.subscriptions = append(b.subscriptions, sub)
	return Subscription{bus: b, id: sub.id}
}

// GetAll reads through to the event repository.
func (b *Bus) GetAll(ctx context.Context) ([]Event, error) {
	return b.repository.FindAll(ctx)
}

// FindByCorrelationID reads through to the event repository.
func (b *Bus) FindByCorrelationID(ctx context.Context, correlationID string) ([]Event, error) {
	return b.repository.FindByCorrelationID(ctx, correlationID)
}
