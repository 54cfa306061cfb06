package eventbus

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/corekit/internal/errs"
	"github.com/kittclouds/corekit/internal/storage"
)

func newBus(t *testing.T) (*Bus, *BoltRepository) {
	t.Helper()
	backend, err := storage.OpenBolt(filepath.Join(t.TempDir(), "events.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	repo := NewBoltRepository(backend, "events")
	return New(repo), repo
}

func TestPublishAssignsCorrelationIDWhenBlank(t *testing.T) {
	bus, _ := newBus(t)
	err := bus.Publish(context.Background(), Event{Kind: "note.created"})
	require.NoError(t, err)

	all, err := bus.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotEmpty(t, all[0].CorrelationID)
}

func TestSubscribeFilterByKind(t *testing.T) {
	bus, _ := newBus(t)
	var received []Event
	bus.Subscribe(Filter{Kind: "note.created"}, func(ctx context.Context, e Event) error {
		received = append(received, e)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Kind: "note.created"}))
	require.NoError(t, bus.Publish(context.Background(), Event{Kind: "note.deleted"}))

	assert.Len(t, received, 1)
	assert.Equal(t, "note.created", received[0].Kind)
}

func TestCancelSubscriptionStopsDelivery(t *testing.T) {
	bus, _ := newBus(t)
	count := 0
	sub := bus.Subscribe(Filter{}, func(ctx context.Context, e Event) error {
		count++
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Kind: "k"}))
	sub.Cancel()
	require.NoError(t, bus.Publish(context.Background(), Event{Kind: "k"}))

	assert.Equal(t, 1, count)
}

// TestWriteThroughFanOut covers spec.md §8 scenario 8: subscriber A fails
// every delivery, subscriber B records every delivery. After three
// publishes, B has seen three events, the repository holds three events
// queryable by correlation id, and each publish surfaces one FanOutError.
func TestWriteThroughFanOut(t *testing.T) {
	bus, _ := newBus(t)

	var mu sync.Mutex
	var recordedByB []Event
	bus.Subscribe(Filter{}, func(ctx context.Context, e Event) error {
		return errors.New("subscriber A always fails")
	})
	bus.Subscribe(Filter{}, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		recordedByB = append(recordedByB, e)
		return nil
	})

	for i := 0; i < 3; i++ {
		err := bus.Publish(context.Background(), Event{Kind: "k", CorrelationID: "corr"})
		require.Error(t, err)
		var fanOut *errs.FanOut
		assert.ErrorAs(t, err, &fanOut)
		assert.Len(t, fanOut.Errors, 1)
	}

	assert.Len(t, recordedByB, 3)

	byCorrelation, err := bus.FindByCorrelationID(context.Background(), "corr")
	require.NoError(t, err)
	assert.Len(t, byCorrelation, 3)
}
