// Package edge implements the C6 edge store from spec.md §4.5: a directed,
// typed graph layer over arbitrary entities, stored via a storage.KVBackend
// bucket the same way internal/version stores history — grounded on
// cuemby-warren/pkg/storage/boltdb.go's bucket-per-kind bbolt usage.
package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kittclouds/corekit/internal/domain"
	"github.com/kittclouds/corekit/internal/errs"
	"github.com/kittclouds/corekit/internal/storage"
)

// Direction selects which adjacency list Traverse explores.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
	Both     Direction = "both"
)

// Edge is one directed, typed relationship between two entity uuids.
type Edge struct {
	SourceUUID string         `json:"sourceUuid"`
	TargetUUID string         `json:"targetUuid"`
	EdgeType   string         `json:"edgeType"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	SyncStatus domain.SyncStatus `json:"syncStatus"`
}

func (e Edge) key() string {
	return fmt.Sprintf("%s\x00%s\x00%s", e.SourceUUID, e.TargetUUID, e.EdgeType)
}

// Store persists Edges via a KVBackend bucket, keyed by the composite
// (source, target, type).
type Store struct {
	backend storage.KVBackend
	bucket  string
}

// New builds a Store over backend, scoped to bucket (conventionally
// "edges").
func New(backend storage.KVBackend, bucket string) *Store {
	return &Store{backend: backend, bucket: bucket}
}

// Save upserts edge on its composite key. A second Save with the same
// composite key fails with errs.Duplicate unless replace is true.
func (s *Store) Save(ctx context.Context, e Edge, replace bool) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.SyncStatus == "" {
		e.SyncStatus = domain.SyncLocal
	}

	key := e.key()
	if !replace {
		_, ok, err := s.backend.Get(ctx, s.bucket, key)
		if err != nil {
			return err
		}
		if ok {
			return errs.New(errs.Duplicate, fmt.Sprintf("edge: %s->%s[%s] already exists", e.SourceUUID, e.TargetUUID, e.EdgeType))
		}
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return errs.Wrap(errs.Corrupt, "edge: encode", err)
	}
	return s.backend.Put(ctx, s.bucket, key, raw)
}

// DeleteEdge removes the edge identified by the composite key, returning
// whether it was present.
func (s *Store) DeleteEdge(ctx context.Context, sourceUUID, targetUUID, edgeType string) (bool, error) {
	key := Edge{SourceUUID: sourceUUID, TargetUUID: targetUUID, EdgeType: edgeType}.key()
	_, ok, err := s.backend.Get(ctx, s.bucket, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := s.backend.Delete(ctx, s.bucket, key); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) all(ctx context.Context) ([]Edge, error) {
	var out []Edge
	err := s.backend.ForEach(ctx, s.bucket, func(kv storage.KeyValue) error {
		var e Edge
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return errs.Wrap(errs.Corrupt, fmt.Sprintf("edge: decode %s", kv.Key), err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// FindBySource returns every edge whose SourceUUID matches uuid.
func (s *Store) FindBySource(ctx context.Context, uuid string) ([]Edge, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []Edge
	for _, e := range all {
		if e.SourceUUID == uuid {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindByTarget returns every edge whose TargetUUID matches uuid.
func (s *Store) FindByTarget(ctx context.Context, uuid string) ([]Edge, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []Edge
	for _, e := range all {
		if e.TargetUUID == uuid {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindBetween returns every edge directly connecting src to tgt (either
// direction is the caller's choice of src/tgt order; this matches exact
// source/target, not symmetric).
func (s *Store) FindBetween(ctx context.Context, src, tgt string) ([]Edge, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []Edge
	for _, e := range all {
		if e.SourceUUID == src && e.TargetUUID == tgt {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindByType returns every edge of the given type.
func (s *Store) FindByType(ctx context.Context, edgeType string) ([]Edge, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []Edge
	for _, e := range all {
		if e.EdgeType == edgeType {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindUnsynced returns edges whose SyncStatus is domain.SyncLocal.
func (s *Store) FindUnsynced(ctx context.Context) ([]Edge, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []Edge
	for _, e := range all {
		if e.SyncStatus == domain.SyncLocal {
			out = append(out, e)
		}
	}
	return out, nil
}

// Traverse performs a breadth-first walk from startUuid out to depth hops,
// per spec.md §4.5: the start node is excluded from the result, cycles are
// broken by a visited set, and when a node is reached by multiple paths the
// smallest hop distance wins.
func (s *Store) Traverse(ctx context.Context, startUUID string, depth int, direction Direction) (map[string]int, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}

	adjacency := make(map[string][]string)
	addEdge := func(from, to string) {
		adjacency[from] = append(adjacency[from], to)
	}
	for _, e := range all {
		switch direction {
		case Outgoing:
			addEdge(e.SourceUUID, e.TargetUUID)
		case Incoming:
			addEdge(e.TargetUUID, e.SourceUUID)
		default: // Both
			addEdge(e.SourceUUID, e.TargetUUID)
			addEdge(e.TargetUUID, e.SourceUUID)
		}
	}

	result := make(map[string]int)
	visited := map[string]struct{}{startUUID: {}}
	frontier := []string{startUUID}

	for hop := 1; hop <= depth && len(frontier) > 0; hop++ {
		var next []string
		for _, node := range frontier {
			for _, neighbor := range adjacency[node] {
				if _, seen := visited[neighbor]; seen {
					continue
				}
				visited[neighbor] = struct{}{}
				result[neighbor] = hop
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	return result, nil
}
