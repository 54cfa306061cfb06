// Package hnsw implements the Hierarchical Navigable Small World approximate
// nearest-neighbor graph index from spec.md §4.2: pure Go, no cgo, platform
// independent so the same index runs under both the native and browser
// storage backends (internal/storage).
package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/kittclouds/corekit/internal/errs"
)

// Metric selects the distance function.
type Metric uint8

const (
	Cosine Metric = iota
	Euclidean
)

func (m Metric) distance(a, b []float32) float64 {
	switch m {
	case Euclidean:
		return euclidean(a, b)
	default:
		return cosine(a, b)
	}
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Params configures an Index.
type Params struct {
	Dimensions     int
	M              int
	EfConstruction int
	EfSearch       int
	Metric         Metric
}

// DefaultParams returns the spec.md §4.2 defaults for the given dimension.
func DefaultParams(dimensions int) Params {
	return Params{
		Dimensions:     dimensions,
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		Metric:         Cosine,
	}
}

type node struct {
	id        string
	vector    []float32
	maxLayer  int
	neighbors [][]string // neighbors[layer] = neighbor ids
}

// Index is a single HNSW graph over fixed-dimension vectors.
type Index struct {
	mu sync.RWMutex

	params   Params
	m0       int
	nodes    map[string]*node
	order    []string // insertion order, for deterministic serialize
	entry    string
	maxLevel int
	rng      *rand.Rand
}

// New builds an empty Index. randSource defaults to a new source with the
// fixed seed 1 if nil; pass a rand.Rand to choose the level sequence.
func New(params Params, randSource *rand.Rand) *Index {
	if params.M <= 0 {
		params.M = 16
	}
	if params.EfConstruction <= 0 {
		params.EfConstruction = 200
	}
	if params.EfSearch <= 0 {
		params.EfSearch = 50
	}
	if randSource == nil {
		randSource = rand.New(rand.NewSource(1))
	}
	return &Index{
		params:   params,
		m0:       2 * params.M,
		nodes:    make(map[string]*node),
		maxLevel: -1,
		rng:      randSource,
	}
}

// GetVector returns the vector stored for id and whether id is present.
func (idx *Index) GetVector(id string) ([]float32, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n, ok := idx.nodes[id]
	if !ok {
		return nil, false
	}
	return n.vector, true
}

// Size returns the number of live nodes.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

func (idx *Index) randomLevel() int {
	u := idx.rng.Float64()
	if u <= 0 {
		u = 1e-12
	}
	level := int(math.Floor(-math.Log(u) * (1.0 / math.Log(float64(idx.params.M)))))
	return level
}

// Insert adds id/vector to the graph. Returns errs.DimensionMismatch if
// len(vector) != Dimensions, errs.Duplicate if id is already present.
func (idx *Index) Insert(id string, vector []float32) error {
	if len(vector) != idx.params.Dimensions {
		return errs.New(errs.DimensionMismatch, fmt.Sprintf("hnsw: expected %d dims, got %d", idx.params.Dimensions, len(vector)))
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[id]; exists {
		return errs.New(errs.Duplicate, fmt.Sprintf("hnsw: id %q already present", id))
	}

	level := idx.randomLevel()
	n := &node{
		id:        id,
		vector:    append([]float32(nil), vector...),
		maxLayer:  level,
		neighbors: make([][]string, level+1),
	}
	for l := range n.neighbors {
		n.neighbors[l] = nil
	}

	if len(idx.nodes) == 0 {
		idx.nodes[id] = n
		idx.order = append(idx.order, id)
		idx.entry = id
		idx.maxLevel = level
		return nil
	}

	entry := idx.entry
	curDist := idx.dist(idx.nodes[entry].vector, vector)

	// Phase 1: greedy descent with ef=1 from maxLevel down to level+1.
	for l := idx.maxLevel; l > level; l-- {
		entry, curDist = idx.greedyClosest(entry, curDist, vector, l)
	}

	// Phase 2: neighborhood search with efConstruction at each layer from
	// min(level, maxLevel) down to 0, connecting M (or M0 at layer 0) best.
	for l := min(level, idx.maxLevel); l >= 0; l-- {
		candidates := idx.searchLayer(vector, entry, idx.params.EfConstruction, l)
		cap := idx.params.M
		if l == 0 {
			cap = idx.m0
		}
		best := selectBest(candidates, cap)
		n.neighbors[l] = idsOf(best)
		for _, c := range best {
			idx.connect(c.id, id, l)
			idx.pruneIfOverloaded(c.id, l)
		}
		if len(candidates) > 0 {
			entry = candidates[0].id
			curDist = candidates[0].dist
		}
		_ = curDist
	}

	idx.nodes[id] = n
	idx.order = append(idx.order, id)

	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entry = id
	}
	return nil
}

func (idx *Index) connect(from, to string, layer int) {
	fn := idx.nodes[from]
	if fn == nil || layer >= len(fn.neighbors) {
		return
	}
	for _, existing := range fn.neighbors[layer] {
		if existing == to {
			return
		}
	}
	fn.neighbors[layer] = append(fn.neighbors[layer], to)
}

func (idx *Index) pruneIfOverloaded(id string, layer int) {
	n := idx.nodes[id]
	if n == nil || layer >= len(n.neighbors) {
		return
	}
	cap := idx.params.M
	if layer == 0 {
		cap = idx.m0
	}
	if len(n.neighbors[layer]) <= cap {
		return
	}
	type scored struct {
		id   string
		dist float64
	}
	scoredN := make([]scored, 0, len(n.neighbors[layer]))
	for _, nb := range n.neighbors[layer] {
		other := idx.nodes[nb]
		if other == nil {
			continue
		}
		scoredN = append(scoredN, scored{nb, idx.dist(n.vector, other.vector)})
	}
	sort.Slice(scoredN, func(i, j int) bool { return scoredN[i].dist < scoredN[j].dist })
	if len(scoredN) > cap {
		scoredN = scoredN[:cap]
	}
	kept := make([]string, len(scoredN))
	for i, s := range scoredN {
		kept[i] = s.id
	}
	n.neighbors[layer] = kept
}

func (idx *Index) dist(a, b []float32) float64 {
	return idx.params.Metric.distance(a, b)
}

func (idx *Index) greedyClosest(entry string, entryDist float64, query []float32, layer int) (string, float64) {
	current := entry
	currentDist := entryDist
	for {
		improved := false
		n := idx.nodes[current]
		if n == nil || layer >= len(n.neighbors) {
			return current, currentDist
		}
		for _, nb := range n.neighbors[layer] {
			nbNode := idx.nodes[nb]
			if nbNode == nil {
				continue
			}
			d := idx.dist(nbNode.vector, query)
			if d < currentDist {
				current = nb
				currentDist = d
				improved = true
			}
		}
		if !improved {
			return current, currentDist
		}
	}
}

type candidate struct {
	id   string
	dist float64
}

// searchLayer performs a best-first search with beam width ef, starting from
// entry, over a single layer.
func (idx *Index) searchLayer(query []float32, entry string, ef int, layer int) []candidate {
	visited := map[string]struct{}{entry: {}}
	entryNode := idx.nodes[entry]
	if entryNode == nil {
		return nil
	}
	entryDist := idx.dist(entryNode.vector, query)

	candidates := []candidate{{entry, entryDist}}
	results := []candidate{{entry, entryDist}}

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		c := candidates[0]
		candidates = candidates[1:]

		sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
		if len(results) >= ef && c.dist > results[len(results)-1].dist {
			break
		}

		n := idx.nodes[c.id]
		if n == nil || layer >= len(n.neighbors) {
			continue
		}
		for _, nb := range n.neighbors[layer] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}
			nbNode := idx.nodes[nb]
			if nbNode == nil {
				continue
			}
			d := idx.dist(nbNode.vector, query)
			sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
			if len(results) < ef || d < results[len(results)-1].dist {
				candidates = append(candidates, candidate{nb, d})
				results = append(results, candidate{nb, d})
				if len(results) > ef {
					sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
					results = results[:ef]
				}
			}
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	return results
}

func selectBest(candidates []candidate, n int) []candidate {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func idsOf(candidates []candidate) []string {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids
}

// Result is one search hit.
type Result struct {
	ID       string
	Distance float64
}

// Search returns the k closest vectors to query, using beam width
// max(ef, k), per spec.md §4.2.
func (idx *Index) Search(query []float32, k int, ef int) ([]Result, error) {
	if len(query) != idx.params.Dimensions {
		return nil, errs.New(errs.DimensionMismatch, fmt.Sprintf("hnsw: expected %d dims, got %d", idx.params.Dimensions, len(query)))
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.nodes) == 0 {
		return nil, nil
	}
	if ef < k {
		ef = k
	}

	entry := idx.entry
	entryNode := idx.nodes[entry]
	curDist := idx.dist(entryNode.vector, query)

	for l := idx.maxLevel; l >= 1; l-- {
		entry, curDist = idx.greedyClosest(entry, curDist, query, l)
	}

	candidates := idx.searchLayer(query, entry, ef, 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{ID: c.id, Distance: c.dist}
	}
	return results, nil
}

// Delete removes id and all incoming edges. The graph is not rebalanced;
// callers should rebuild the index periodically under heavy delete volume.
func (idx *Index) Delete(id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n, ok := idx.nodes[id]
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("hnsw: id %q not found", id))
	}
	delete(idx.nodes, id)
	for i, existing := range idx.order {
		if existing == id {
			idx.order = append(idx.order[:i], idx.order[i+1:]...)
			break
		}
	}
	for _, other := range idx.nodes {
		for l := range other.neighbors {
			other.neighbors[l] = removeID(other.neighbors[l], id)
		}
	}
	_ = n

	if idx.entry == id {
		idx.reassignEntryPoint()
	}
	return nil
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func (idx *Index) reassignEntryPoint() {
	if len(idx.nodes) == 0 {
		idx.entry = ""
		idx.maxLevel = -1
		return
	}
	var best *node
	for _, n := range idx.nodes {
		if best == nil || n.maxLayer > best.maxLayer {
			best = n
		}
	}
	idx.entry = best.id
	idx.maxLevel = best.maxLayer
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// --- serialization ---
//
// Little-endian fixed header {dimensions, M, metric, node_count, max_level,
// entry_point_id} followed by each node as {id, max_layer, vector (D ×
// float64), for each layer: (neighbor_count, neighbor_ids[])}, per spec.md
// §4.2. efConstruction and efSearch are reconstructable parameters supplied
// to Deserialize, not part of the on-disk form.

func writeString(w *bufio.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Serialize writes the index to w in the spec.md §4.2 wire format.
func (idx *Index) Serialize(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.LittleEndian, uint32(idx.params.Dimensions)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(idx.params.M)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(idx.params.Metric)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(idx.nodes))); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, int32(idx.maxLevel)); err != nil {
		return err
	}
	if err := writeString(bw, idx.entry); err != nil {
		return err
	}

	for _, id := range idx.order {
		n := idx.nodes[id]
		if err := writeString(bw, n.id); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, int32(n.maxLayer)); err != nil {
			return err
		}
		for _, v := range n.vector {
			if err := binary.Write(bw, binary.LittleEndian, float64(v)); err != nil {
				return err
			}
		}
		for l := 0; l <= n.maxLayer; l++ {
			neighbors := n.neighbors[l]
			if err := binary.Write(bw, binary.LittleEndian, uint32(len(neighbors))); err != nil {
				return err
			}
			for _, nb := range neighbors {
				if err := writeString(bw, nb); err != nil {
					return err
				}
			}
		}
	}

	return bw.Flush()
}

// Deserialize reads an index from r, re-applying efConstruction and
// efSearch (not part of the on-disk form) to the reconstructed Params.
func Deserialize(r io.Reader, efConstruction, efSearch int) (*Index, error) {
	br := bufio.NewReader(r)

	var dims, m uint32
	var metric uint8
	var nodeCount uint32
	var maxLevel int32

	if err := binary.Read(br, binary.LittleEndian, &dims); err != nil {
		return nil, errs.Wrap(errs.Corrupt, "hnsw: read dimensions", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &m); err != nil {
		return nil, errs.Wrap(errs.Corrupt, "hnsw: read M", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &metric); err != nil {
		return nil, errs.Wrap(errs.Corrupt, "hnsw: read metric", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &nodeCount); err != nil {
		return nil, errs.Wrap(errs.Corrupt, "hnsw: read node count", err)
	}
	if err := binary.Read(br, binary.LittleEndian, &maxLevel); err != nil {
		return nil, errs.Wrap(errs.Corrupt, "hnsw: read max level", err)
	}
	entry, err := readString(br)
	if err != nil {
		return nil, errs.Wrap(errs.Corrupt, "hnsw: read entry point", err)
	}

	params := Params{
		Dimensions:     int(dims),
		M:              int(m),
		EfConstruction: efConstruction,
		EfSearch:       efSearch,
		Metric:         Metric(metric),
	}
	idx := New(params, nil)
	idx.entry = entry
	idx.maxLevel = int(maxLevel)

	for i := uint32(0); i < nodeCount; i++ {
		id, err := readString(br)
		if err != nil {
			return nil, errs.Wrap(errs.Corrupt, "hnsw: read node id", err)
		}
		var nodeMaxLayer int32
		if err := binary.Read(br, binary.LittleEndian, &nodeMaxLayer); err != nil {
			return nil, errs.Wrap(errs.Corrupt, "hnsw: read node max layer", err)
		}
		vector := make([]float32, dims)
		for j := uint32(0); j < dims; j++ {
			var v float64
			if err := binary.Read(br, binary.LittleEndian, &v); err != nil {
				return nil, errs.Wrap(errs.Corrupt, "hnsw: read vector component", err)
			}
			vector[j] = float32(v)
		}

		n := &node{
			id:        id,
			vector:    vector,
			maxLayer:  int(nodeMaxLayer),
			neighbors: make([][]string, nodeMaxLayer+1),
		}
		for l := int32(0); l <= nodeMaxLayer; l++ {
			var neighborCount uint32
			if err := binary.Read(br, binary.LittleEndian, &neighborCount); err != nil {
				return nil, errs.Wrap(errs.Corrupt, "hnsw: read neighbor count", err)
			}
			neighbors := make([]string, neighborCount)
			for k := uint32(0); k < neighborCount; k++ {
				nb, err := readString(br)
				if err != nil {
					return nil, errs.Wrap(errs.Corrupt, "hnsw: read neighbor id", err)
				}
				neighbors[k] = nb
			}
			n.neighbors[l] = neighbors
		}

		idx.nodes[id] = n
		idx.order = append(idx.order, id)
	}

	return idx, nil
}
