package embedqueue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/corekit/internal/errs"
	"github.com/kittclouds/corekit/internal/storage"
)

func newQueueBackend(t *testing.T) *storage.BoltBackend {
	t.Helper()
	backend, err := storage.OpenBolt(filepath.Join(t.TempDir(), "embedqueue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

// flakyService always fails GenerateBatch (forcing the per-task fallback)
// and fails the first failuresBeforeSuccess calls to Generate, then
// succeeds with a fixed-dimension vector.
type flakyService struct {
	mu                    sync.Mutex
	failuresBeforeSuccess int
	batchCalls            int
	singleCalls           int
}

func (s *flakyService) Generate(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.singleCalls++
	if s.singleCalls <= s.failuresBeforeSuccess {
		return nil, errs.New(errs.Timeout, "flaky: simulated failure")
	}
	return []float32{1, 2, 3}, nil
}

func (s *flakyService) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	return nil, errs.New(errs.Timeout, "flaky: batch always fails in this test")
}

type recordingApplier struct {
	mu      sync.Mutex
	applied map[string][]float32
	missing map[string]bool
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{applied: map[string][]float32{}, missing: map[string]bool{}}
}

func (a *recordingApplier) ApplyVector(ctx context.Context, entityUUID string, vector []float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.missing[entityUUID] {
		return errs.New(errs.NotFound, "entity gone")
	}
	a.applied[entityUUID] = vector
	return nil
}

func testParams() Params {
	p := DefaultParams()
	p.BatchSize = 10
	p.MaxRetries = 3
	p.BatchDeadline = time.Second
	p.PerTaskDeadline = time.Second
	return p
}

func TestEnqueueSkipsBlankText(t *testing.T) {
	backend := newQueueBackend(t)
	ctx := context.Background()
	q, err := New(ctx, backend, "tasks", &flakyService{}, newRecordingApplier(), testParams(), nil)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, "e1", "note", ""))
	count, err := q.pendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEnqueueIgnoresDuplicateNonTerminalTask(t *testing.T) {
	backend := newQueueBackend(t)
	ctx := context.Background()
	q, err := New(ctx, backend, "tasks", &flakyService{}, newRecordingApplier(), testParams(), nil)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, "e1", "note", "hello"))
	require.NoError(t, q.Enqueue(ctx, "e1", "note", "hello again"))

	count, err := q.pendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestEmbeddingQueueRetry covers spec.md §8's retry scenario: a service
// that fails on the batch path and fails the first two single-task
// attempts, succeeding on the third. After enough batches, the task is
// completed with retryCount == 2 and the vector has been applied.
func TestEmbeddingQueueRetry(t *testing.T) {
	backend := newQueueBackend(t)
	ctx := context.Background()
	svc := &flakyService{failuresBeforeSuccess: 2}
	applier := newRecordingApplier()

	q, err := New(ctx, backend, "tasks", svc, applier, testParams(), nil)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, "e1", "note", "some text"))

	// Backoff after each failure is 2*retryCount seconds; push the clock
	// forward between batches so NextAttemptAt is always eligible.
	base := time.Now()
	tick := 0
	q.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Hour)
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, q.RunBatch(ctx))
		tasks, err := q.allTasks(ctx)
		require.NoError(t, err)
		if len(tasks) == 1 && tasks[0].Status == Completed {
			break
		}
	}

	tasks, err := q.allTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, Completed, tasks[0].Status)
	assert.Equal(t, 2, tasks[0].RetryCount)
	assert.Equal(t, []float32{1, 2, 3}, applier.applied["e1"])
}

func TestEmbeddingQueueMarksFailedAfterMaxRetries(t *testing.T) {
	backend := newQueueBackend(t)
	ctx := context.Background()
	svc := &flakyService{failuresBeforeSuccess: 1000}
	applier := newRecordingApplier()

	params := testParams()
	params.MaxRetries = 2
	q, err := New(ctx, backend, "tasks", svc, applier, params, nil)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, "e1", "note", "some text"))

	base := time.Now()
	tick := 0
	q.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Hour)
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, q.RunBatch(ctx))
	}

	tasks, err := q.allTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, Failed, tasks[0].Status)
	assert.Equal(t, 2, tasks[0].RetryCount)
}

// TestEntityGoneDiscardsResultAsCompleted covers the "entity absent when
// applying" case from spec.md §4.9: the task is marked completed, not
// failed, and no error propagates.
func TestEntityGoneDiscardsResultAsCompleted(t *testing.T) {
	backend := newQueueBackend(t)
	ctx := context.Background()
	svc := &flakyService{}
	applier := newRecordingApplier()
	applier.missing["e1"] = true

	q, err := New(ctx, backend, "tasks", svc, applier, testParams(), nil)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, "e1", "note", "some text"))

	// Batch path fails in this fake, falls to single Generate which
	// succeeds immediately (failuresBeforeSuccess == 0), then apply reports
	// NotFound.
	require.NoError(t, q.RunBatch(ctx))

	tasks, err := q.allTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, Completed, tasks[0].Status)
	assert.Empty(t, applier.applied)
}

func TestFlushDrainsAllPendingTasks(t *testing.T) {
	backend := newQueueBackend(t)
	ctx := context.Background()
	svc := &flakyService{}
	applier := newRecordingApplier()

	params := testParams()
	params.BatchSize = 2
	q, err := New(ctx, backend, "tasks", svc, applier, params, nil)
	require.NoError(t, err)

	for i, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		_ = i
		require.NoError(t, q.Enqueue(ctx, id, "note", "text"))
	}

	require.NoError(t, q.Flush(ctx))

	count, err := q.pendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Len(t, applier.applied, 5)
}

func TestRecoverProcessingTasksBackToPending(t *testing.T) {
	backend := newQueueBackend(t)
	ctx := context.Background()
	svc := &flakyService{}
	applier := newRecordingApplier()

	q, err := New(ctx, backend, "tasks", svc, applier, testParams(), nil)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, "e1", "note", "text"))

	tasks, err := q.allTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	tasks[0].Status = Processing
	require.NoError(t, q.putTask(ctx, tasks[0]))

	q2, err := New(ctx, backend, "tasks", svc, applier, testParams(), nil)
	require.NoError(t, err)

	recovered, err := q2.allTasks(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, Pending, recovered[0].Status)
}
