package repository

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/corekit/internal/domain"
	"github.com/kittclouds/corekit/internal/edge"
	"github.com/kittclouds/corekit/internal/embedqueue"
	"github.com/kittclouds/corekit/internal/errs"
	"github.com/kittclouds/corekit/internal/hnsw"
	"github.com/kittclouds/corekit/internal/logging"
	"github.com/kittclouds/corekit/internal/storage"
	"github.com/kittclouds/corekit/internal/version"
)

// note is a test-local entity satisfying Entity, Embeddable, Versionable and
// Chunkable, standing in for a real note/memory entity kind.
type note struct {
	domain.BaseEntity
	Title           string `json:"title"`
	Body            string `json:"body"`
	Ver             int    `json:"version"`
	Cadence         int    `json:"-"`
	ModifiedBy      string `json:"lastModifiedBy,omitempty"`
	EmbeddingVector []float32 `json:"vector,omitempty"`
}

func newNote(title, body string) *note {
	return &note{BaseEntity: domain.NewBaseEntity(time.Now()), Title: title, Body: body, Cadence: 1}
}

func (n *note) TextForEmbedding() string           { return n.Title + "\n" + n.Body }
func (n *note) Vector() []float32                  { return n.EmbeddingVector }
func (n *note) SetVector(v []float32)              { n.EmbeddingVector = v }
func (n *note) TextForChunking() string            { return n.Body }
func (n *note) ChunkConfig() domain.ChunkConfigName { return domain.ChunkConfigParent }
func (n *note) Version() int                       { return n.Ver }
func (n *note) SetVersion(v int)                   { n.Ver = v }
func (n *note) SnapshotCadence() int                { return n.Cadence }
func (n *note) LastModifiedBy() string              { return n.ModifiedBy }
func (n *note) SetLastModifiedBy(by string)         { n.ModifiedBy = by }

var _ domain.Embeddable = (*note)(nil)
var _ domain.Chunkable = (*note)(nil)
var _ domain.Versionable = (*note)(nil)

// fixedEmbeddingService returns a constant vector for every text, and is
// used both as the repository's query-embedding service and as the
// chunker's batch-embedding service.
type fixedEmbeddingService struct{ dims int }

func (s fixedEmbeddingService) Generate(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, s.dims)
	v[0] = 1
	return v, nil
}

func (s fixedEmbeddingService) GenerateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, _ := s.Generate(context.Background(), texts[i])
		out[i] = v
	}
	return out, nil
}

// deferredApplier breaks the construction cycle between Repository and
// embedqueue.Queue: the queue needs a VectorApplier at construction time,
// but the applier (the repository) needs the queue too.
type deferredApplier struct {
	repo *Repository[*note]
}

func (d *deferredApplier) ApplyVector(ctx context.Context, entityUUID string, vector []float32) error {
	return d.repo.ApplyVector(ctx, entityUUID, vector)
}

func newTestRepository(t *testing.T) (*Repository[*note], storage.KVBackend) {
	t.Helper()
	backend, err := storage.OpenBolt(filepath.Join(t.TempDir(), "repo.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	logger := logging.New(logging.Config{Level: logging.ErrorLevel, Output: io.Discard})
	adapter := storage.NewAdapter[*note](backend, "notes", hnsw.DefaultParams(3), logger)
	versions := version.New(backend, "notes_versions")
	edges := edge.New(backend, "notes_edges")

	svc := fixedEmbeddingService{dims: 3}
	applier := &deferredApplier{}
	queue, err := embedqueue.New(context.Background(), backend, "notes_embed_tasks", svc, applier, embedqueue.DefaultParams(), nil)
	require.NoError(t, err)

	repo := New[*note]("note", adapter, versions, queue, svc, edges, logger)
	applier.repo = repo

	return repo, backend
}

func TestSaveCreatesFirstVersionAndEnqueuesEmbedding(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	n := newNote("Title", "Body text.")
	saved, err := repo.Save(ctx, n, true)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version())

	require.NoError(t, repo.embeddingQueue.Flush(ctx))

	results, err := repo.adapter.SemanticSearch(ctx, []float32{1, 0, 0}, 5, 0.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, saved.GetUUID(), results[0].Entity.GetUUID())
}

func TestSaveSecondTimeWithChangedTitleBumpsVersion(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	n := newNote("Title", "Body text.")
	saved, err := repo.Save(ctx, n, true)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Version())

	saved.Title = "New Title"
	saved, err = repo.Save(ctx, saved, true)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Version())
}

func TestSaveSkipsEmbeddingEnqueueWhenTextUnchanged(t *testing.T) {
	repo, backend := newTestRepository(t)
	ctx := context.Background()

	n := newNote("Title", "Body text.")
	saved, err := repo.Save(ctx, n, true)
	require.NoError(t, err)
	tasksBefore, err := backend.Count(ctx, "notes_embed_tasks")
	require.NoError(t, err)

	// Save again with identical embedding text but a touched updatedAt: the
	// embeddable handler must not enqueue a second task for the same text.
	saved, err = repo.Save(ctx, saved, true)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Version())

	tasksAfter, err := backend.Count(ctx, "notes_embed_tasks")
	require.NoError(t, err)
	assert.Equal(t, tasksBefore, tasksAfter)
}

func TestDeleteByUUIDRemovesEntityAndPrunesEdges(t *testing.T) {
	repo, backend := newTestRepository(t)
	ctx := context.Background()

	n := newNote("Title", "Body text.")
	saved, err := repo.Save(ctx, n, true)
	require.NoError(t, err)

	other := newNote("Other", "Other body.")
	_, err = repo.Save(ctx, other, true)
	require.NoError(t, err)

	edges := edge.New(backend, "notes_edges")
	require.NoError(t, edges.Save(ctx, edge.Edge{SourceUUID: saved.GetUUID(), TargetUUID: other.GetUUID(), EdgeType: "relates_to"}, false))

	removed, err := repo.DeleteByUUID(ctx, saved.GetUUID(), true)
	require.NoError(t, err)
	assert.True(t, removed)

	_, existed, err := repo.FindByUUID(ctx, saved.GetUUID())
	require.NoError(t, err)
	assert.False(t, existed)

	remaining, err := edges.FindBySource(ctx, saved.GetUUID())
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestDeleteByUUIDMissingEntityReturnsFalse(t *testing.T) {
	repo, _ := newTestRepository(t)
	removed, err := repo.DeleteByUUID(context.Background(), "does-not-exist", false)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSemanticSearchEmbedsQueryAndDelegatesToAdapter(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	n := newNote("Title", "Body text.")
	saved, err := repo.Save(ctx, n, true)
	require.NoError(t, err)
	require.NoError(t, repo.ApplyVector(ctx, saved.GetUUID(), []float32{1, 0, 0}))

	results, err := repo.SemanticSearch(ctx, "anything", 5, 0.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, saved.GetUUID(), results[0].Entity.GetUUID())
}

func TestRebuildIndexReusesStoredVectorWithoutReembedding(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()

	n := newNote("Title", "Body text.")
	saved, err := repo.Save(ctx, n, true)
	require.NoError(t, err)
	saved.SetVector([]float32{0, 1, 0})
	_, err = repo.adapter.Save(ctx, saved, false)
	require.NoError(t, err)

	require.NoError(t, repo.RebuildIndex(ctx))

	results, err := repo.adapter.SemanticSearch(ctx, []float32{0, 1, 0}, 5, 0.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
}

func TestApplyVectorOnMissingEntityReturnsNotFound(t *testing.T) {
	repo, _ := newTestRepository(t)
	err := repo.ApplyVector(context.Background(), "ghost", []float32{1, 0, 0})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}
