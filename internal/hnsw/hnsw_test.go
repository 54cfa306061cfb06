package hnsw

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/corekit/internal/errs"
)

func randomVector(rng *rand.Rand, d int) []float32 {
	v := make([]float32, d)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	idx := New(DefaultParams(4), rand.New(rand.NewSource(1)))
	err := idx.Insert("a", []float32{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.DimensionMismatch))
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	idx := New(DefaultParams(3), rand.New(rand.NewSource(1)))
	require.NoError(t, idx.Insert("a", []float32{1, 0, 0}))
	err := idx.Insert("a", []float32{0, 1, 0})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Duplicate))
}

func TestSearchFindsExactMatch(t *testing.T) {
	idx := New(DefaultParams(3), rand.New(rand.NewSource(42)))
	require.NoError(t, idx.Insert("x", []float32{1, 0, 0}))
	require.NoError(t, idx.Insert("y", []float32{0, 1, 0}))
	require.NoError(t, idx.Insert("z", []float32{0, 0, 1}))

	results, err := idx.Search([]float32{1, 0, 0}, 1, 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "x", results[0].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-9)
}

func TestDeleteRemovesNodeAndEdges(t *testing.T) {
	idx := New(DefaultParams(3), rand.New(rand.NewSource(7)))
	require.NoError(t, idx.Insert("a", []float32{1, 0, 0}))
	require.NoError(t, idx.Insert("b", []float32{0, 1, 0}))
	require.NoError(t, idx.Insert("c", []float32{0, 0, 1}))

	require.NoError(t, idx.Delete("a"))
	assert.Equal(t, 2, idx.Size())

	results, err := idx.Search([]float32{1, 0, 0}, 3, 50)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ID)
	}
}

func TestDeleteUnknownID(t *testing.T) {
	idx := New(DefaultParams(3), rand.New(rand.NewSource(1)))
	err := idx.Delete("nope")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	idx := New(DefaultParams(8), rand.New(rand.NewSource(99)))
	rng := rand.New(rand.NewSource(123))
	for i := 0; i < 25; i++ {
		require.NoError(t, idx.Insert(string(rune('a'+i)), randomVector(rng, 8)))
	}

	var buf bytes.Buffer
	require.NoError(t, idx.Serialize(&buf))

	restored, err := Deserialize(&buf, 200, 50)
	require.NoError(t, err)
	assert.Equal(t, idx.Size(), restored.Size())
	assert.Equal(t, idx.entry, restored.entry)
	assert.Equal(t, idx.maxLevel, restored.maxLevel)

	query := randomVector(rng, 8)
	before, err := idx.Search(query, 5, 50)
	require.NoError(t, err)
	after, err := restored.Search(query, 5, 50)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
	}
}

func TestRecallAgainstBruteForce(t *testing.T) {
	const (
		n   = 500
		d   = 32
		k   = 10
		ef  = 100
	)
	rng := rand.New(rand.NewSource(7))
	vectors := make(map[string][]float32, n)
	idx := New(Params{Dimensions: d, M: 16, EfConstruction: 200, EfSearch: ef, Metric: Cosine}, rand.New(rand.NewSource(7)))

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := string(rune('A'+i%26)) + string(rune('0'+i/26))
		vectors[id] = randomVector(rng, d)
		ids = append(ids, id)
		require.NoError(t, idx.Insert(id, vectors[id]))
	}

	query := randomVector(rng, d)

	bruteForce := make([]Result, 0, n)
	for _, id := range ids {
		bruteForce = append(bruteForce, Result{ID: id, Distance: Cosine.distance(vectors[id], query)})
	}
	sortResults(bruteForce)
	truth := make(map[string]struct{}, k)
	for _, r := range bruteForce[:k] {
		truth[r.ID] = struct{}{}
	}

	approx, err := idx.Search(query, k, ef)
	require.NoError(t, err)

	hits := 0
	for _, r := range approx {
		if _, ok := truth[r.ID]; ok {
			hits++
		}
	}
	recall := float64(hits) / float64(k)
	assert.GreaterOrEqual(t, recall, 0.8)
}

func sortResults(results []Result) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Distance < results[j-1].Distance; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
