// Package embedqueue implements the C9 embedding queue from spec.md §4.9: a
// durable background worker that turns enqueued (entityUuid, text) pairs
// into vectors via an injected EmbeddingService, then writes them back
// through the storage adapter with the "background" flag so the write does
// not touch updatedAt or the version history (spec.md §9 "Cyclic
// dependencies"). Grounded on the teacher's constructor-injected, mutex-
// guarded service style (internal/store/sqlite_store.go's SQLiteStore); the
// batch/retry protocol itself is hand-built from spec.md §4.9's numbered
// steps, since no pack repo ships an equivalent durable queue.
package embedqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kittclouds/corekit/internal/domain"
	"github.com/kittclouds/corekit/internal/errs"
	"github.com/kittclouds/corekit/internal/logging"
	"github.com/kittclouds/corekit/internal/metrics"
	"github.com/kittclouds/corekit/internal/storage"

	"github.com/rs/zerolog"
)

// Status is the lifecycle state of an EmbeddingTask.
type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// EmbeddingTask is one unit of embedding work, per spec.md §4.9.
type EmbeddingTask struct {
	ID            string    `json:"id"`
	EntityUUID    string    `json:"entityUuid"`
	EntityType    string    `json:"entityType"`
	Text          string    `json:"text"`
	Status        Status    `json:"status"`
	RetryCount    int       `json:"retryCount"`
	LastError     string    `json:"lastError,omitempty"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (t EmbeddingTask) isTerminal() bool {
	return t.Status == Completed || t.Status == Failed
}

// EmbeddingService is the external collaborator from spec.md §6: generate a
// single vector or a batch, both of fixed dimension D.
type EmbeddingService interface {
	Generate(ctx context.Context, text string) ([]float32, error)
	GenerateBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorApplier writes a generated vector back to its entity. Every call
// from the queue is a background write, so the adapter/repository layer
// must suppress updatedAt and version-history side effects, per spec.md §9.
// Returns errs.NotFound if the entity no longer exists.
type VectorApplier interface {
	ApplyVector(ctx context.Context, entityUUID string, vector []float32) error
}

// Params configures a Queue, per spec.md §4.9.
type Params struct {
	BatchSize          int
	ProcessingInterval time.Duration
	MaxRetries         int
	BatchDeadline      time.Duration // default 30s
	PerTaskDeadline    time.Duration // default 15s
}

// DefaultParams returns the spec.md §4.9 defaults.
func DefaultParams() Params {
	return Params{
		BatchSize:          10,
		ProcessingInterval: 2 * time.Second,
		MaxRetries:         3,
		BatchDeadline:      30 * time.Second,
		PerTaskDeadline:    15 * time.Second,
	}
}

// Queue is the durable embedding worker. Queue state lives in the same
// KVBackend as the rest of the core, so a restart finds "processing" tasks
// and reinterprets them as "pending" (at-least-once delivery), per spec.md
// §4.9's crash-safety note.
type Queue struct {
	mu      sync.Mutex
	backend storage.KVBackend
	bucket  string
	service EmbeddingService
	applier VectorApplier
	params  Params
	logger  zerolog.Logger
	now     func() time.Time

	processing bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New builds a Queue over backend (bucket conventionally
// "embedding_tasks"), recovering any tasks left in "processing" from a
// prior crash back to "pending".
func New(ctx context.Context, backend storage.KVBackend, bucket string, service EmbeddingService, applier VectorApplier, params Params, logger *zerolog.Logger) (*Queue, error) {
	l := logging.Logger
	if logger != nil {
		l = *logger
	}
	q := &Queue{
		backend: backend,
		bucket:  bucket,
		service: service,
		applier: applier,
		params:  params,
		logger:  logging.WithComponent(l, "embedqueue"),
		now:     time.Now,
	}
	if err := q.recoverProcessingTasks(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) recoverProcessingTasks(ctx context.Context) error {
	tasks, err := q.allTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == Processing {
			t.Status = Pending
			t.UpdatedAt = q.now()
			if err := q.putTask(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *Queue) allTasks(ctx context.Context) ([]EmbeddingTask, error) {
	var out []EmbeddingTask
	err := q.backend.ForEach(ctx, q.bucket, func(kv storage.KeyValue) error {
		var t EmbeddingTask
		if err := json.Unmarshal(kv.Value, &t); err != nil {
			return errs.Wrap(errs.Corrupt, fmt.Sprintf("embedqueue: decode task %s", kv.Key), err)
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

func (q *Queue) putTask(ctx context.Context, t EmbeddingTask) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return errs.Wrap(errs.Corrupt, "embedqueue: encode task", err)
	}
	return q.backend.Put(ctx, q.bucket, t.ID, raw)
}

func (q *Queue) pendingTasksFor(ctx context.Context, entityUUID string) ([]EmbeddingTask, error) {
	all, err := q.allTasks(ctx)
	if err != nil {
		return nil, err
	}
	var out []EmbeddingTask
	for _, t := range all {
		if t.EntityUUID == entityUUID && !t.isTerminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (q *Queue) pendingCount(ctx context.Context) (int, error) {
	all, err := q.allTasks(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range all {
		if t.Status == Pending {
			n++
		}
	}
	return n, nil
}

// Enqueue schedules entityUUID/text for embedding, per spec.md §4.9 step 1.
// A blank text is a no-op; an entity with an existing non-terminal task is
// a no-op. If the pending count reaches BatchSize, a batch is triggered
// immediately.
func (q *Queue) Enqueue(ctx context.Context, entityUUID, entityType, text string) error {
	if text == "" {
		return nil
	}

	existing, err := q.pendingTasksFor(ctx, entityUUID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	now := q.now()
	task := EmbeddingTask{
		ID:            domain.NewUUID(),
		EntityUUID:    entityUUID,
		EntityType:    entityType,
		Text:          text,
		Status:        Pending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.putTask(ctx, task); err != nil {
		return err
	}
	metrics.EmbeddingQueuePending.Inc()

	count, err := q.pendingCount(ctx)
	if err != nil {
		return err
	}
	if count >= q.params.BatchSize {
		go func() {
			if err := q.RunBatch(context.Background()); err != nil {
				q.logger.Error().Err(err).Msg("embedqueue: immediate batch trigger failed")
			}
		}()
	}
	return nil
}

// Start launches the periodic tick loop; each tick starts a batch if none
// is running. Call Stop to cancel it.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.stopCh != nil {
		q.mu.Unlock()
		return
	}
	q.stopCh = make(chan struct{})
	stopCh := q.stopCh
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.params.ProcessingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.RunBatch(ctx); err != nil {
					q.logger.Error().Err(err).Msg("embedqueue: periodic batch failed")
				}
			}
		}
	}()
}

// RunBatch runs a single batch if one isn't already running (enforced by
// the processing flag, per spec.md §5's single-worker discipline).
func (q *Queue) RunBatch(ctx context.Context) error {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return nil
	}
	q.processing = true
	q.mu.Unlock()
	metrics.EmbeddingQueueProcessing.Set(1)
	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
		metrics.EmbeddingQueueProcessing.Set(0)
	}()

	all, err := q.allTasks(ctx)
	if err != nil {
		return err
	}

	now := q.now()
	var batch []EmbeddingTask
	for _, t := range all {
		if t.Status != Pending || t.NextAttemptAt.After(now) {
			continue
		}
		batch = append(batch, t)
		if len(batch) == q.params.BatchSize {
			break
		}
	}
	if len(batch) == 0 {
		return nil
	}

	for i := range batch {
		batch[i].Status = Processing
		batch[i].UpdatedAt = now
		if err := q.putTask(ctx, batch[i]); err != nil {
			return err
		}
	}

	texts := make([]string, len(batch))
	for i, t := range batch {
		texts[i] = t.Text
	}

	batchCtx, cancel := context.WithTimeout(ctx, q.params.BatchDeadline)
	vectors, err := q.service.GenerateBatch(batchCtx, texts)
	cancel()

	if err == nil && len(vectors) == len(batch) {
		for i, t := range batch {
			q.finishTask(ctx, t, vectors[i], nil)
		}
		return nil
	}

	// Batch call failed (or returned a mismatched count): fall back to
	// per-task generate with a shorter deadline, per spec.md §4.9 step 3.
	var g errgroup.Group
	for _, t := range batch {
		t := t
		g.Go(func() error {
			taskCtx, cancel := context.WithTimeout(ctx, q.params.PerTaskDeadline)
			defer cancel()
			vector, genErr := q.service.Generate(taskCtx, t.Text)
			q.finishTask(ctx, t, vector, genErr)
			return nil
		})
	}
	return g.Wait()
}

// finishTask applies genErr/vector to task t: success paths apply the
// vector (discarding it without failure if the entity is gone) and mark
// completed; failure paths bump retryCount and back off 2*retryCount
// seconds, marking the task failed once retryCount reaches maxRetries.
func (q *Queue) finishTask(ctx context.Context, t EmbeddingTask, vector []float32, genErr error) {
	now := q.now()

	if genErr == nil {
		applyErr := q.applier.ApplyVector(ctx, t.EntityUUID, vector)
		if applyErr != nil && !errs.Is(applyErr, errs.NotFound) {
			genErr = applyErr
		} else {
			t.Status = Completed
			t.UpdatedAt = now
			_ = q.putTask(ctx, t)
			metrics.EmbeddingQueuePending.Dec()
			metrics.EmbeddingTasksCompletedTotal.Inc()
			return
		}
	}

	t.RetryCount++
	t.LastError = genErr.Error()
	t.UpdatedAt = now

	if t.RetryCount >= q.params.MaxRetries {
		t.Status = Failed
		_ = q.putTask(ctx, t)
		metrics.EmbeddingQueuePending.Dec()
		metrics.EmbeddingTasksFailedTotal.Inc()
		return
	}

	t.Status = Pending
	backoff := time.Duration(2*t.RetryCount) * time.Second
	t.NextAttemptAt = now.Add(backoff)
	_ = q.putTask(ctx, t)
}

// Flush runs batches until pending is empty, failing with a deadlock error
// after 100 iterations without progress, per spec.md §5's watchdog.
func (q *Queue) Flush(ctx context.Context) error {
	lastPending := -1
	staleIterations := 0
	for {
		count, err := q.pendingCount(ctx)
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		if count == lastPending {
			staleIterations++
			if staleIterations >= 100 {
				return errs.New(errs.Timeout, "embedqueue: flush made no progress after 100 iterations")
			}
		} else {
			staleIterations = 0
		}
		lastPending = count

		if err := q.RunBatch(ctx); err != nil {
			return err
		}
	}
}

// Stop cancels the periodic tick. If flushPending is true, it blocks until
// pending is empty (or the watchdog fires) before returning.
func (q *Queue) Stop(ctx context.Context, flushPending bool) error {
	q.mu.Lock()
	stopCh := q.stopCh
	q.stopCh = nil
	q.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		q.wg.Wait()
	}

	if flushPending {
		return q.Flush(ctx)
	}
	return nil
}
