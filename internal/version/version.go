// Package version implements the C5 version store from spec.md §4.4: the
// complete mutation history of a Versionable entity as an ordered list of
// EntityVersion records per entityUuid, stored as a temporal table (a
// sequence of snapshot/delta rows keyed by (entityUuid, versionNumber))
// grounded on the teacher's internal/store/sqlite_store.go "notes" table
// (valid_from/valid_to/is_current, GetNoteAtTime) — the same storage shape,
// adapted from a relational bitemporal table into the KVBackend's typed
// boxes (one bucket per entity kind, composite string key).
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kittclouds/corekit/internal/errs"
	"github.com/kittclouds/corekit/internal/jsonpatch"
	"github.com/kittclouds/corekit/internal/storage"
)

// RecordKind distinguishes a full-state snapshot from an incremental patch.
type RecordKind string

const (
	Snapshot RecordKind = "snapshot"
	Delta    RecordKind = "delta"
)

// EntityVersion is one record in an entity's history.
type EntityVersion struct {
	EntityUUID    string         `json:"entityUuid"`
	VersionNumber int            `json:"versionNumber"`
	Kind          RecordKind     `json:"kind"`
	Timestamp     time.Time      `json:"timestamp"`
	Snapshot      any            `json:"snapshot,omitempty"`
	Patch         jsonpatch.Patch `json:"patch,omitempty"`
	ChangedFields []string       `json:"changedFields,omitempty"`
}

func (v EntityVersion) key() string {
	return fmt.Sprintf("%s:%010d", v.EntityUUID, v.VersionNumber)
}

// Store persists EntityVersion history via a KVBackend, one bucket shared
// across entity kinds (entries are namespaced by entityUuid in the key).
type Store struct {
	backend storage.KVBackend
	bucket  string
}

// New builds a Store over backend, scoped to bucket (conventionally
// "entity_versions").
func New(backend storage.KVBackend, bucket string) *Store {
	return &Store{backend: backend, bucket: bucket}
}

// Write implements the write protocol from spec.md §4.4: loads prior
// history, snapshots on first write, diffs otherwise, and snapshots again
// whenever the *previous* version number is a multiple of snapshotCadence
// (cadence 0 means snapshot-only-on-create — every subsequent write is a
// delta). For cadence 3 this lands snapshots at versions 1, 4, 7, ... and
// deltas everywhere else — the previous-version-number reading, not
// nextVersion, since that is what reproduces the seeded snapshot/delta
// sequence (see DESIGN.md's Open Question decision). Returns the new
// version number, or the unchanged current version number if the computed
// patch was empty.
func (s *Store) Write(ctx context.Context, entityUUID string, previousSerialized, currentSerialized any, snapshotCadence int, now time.Time) (int, error) {
	history, err := s.GetHistory(ctx, entityUUID)
	if err != nil {
		return 0, err
	}

	if len(history) == 0 {
		v := EntityVersion{
			EntityUUID:    entityUUID,
			VersionNumber: 1,
			Kind:          Snapshot,
			Timestamp:     now,
			Snapshot:      currentSerialized,
		}
		if err := s.put(ctx, v); err != nil {
			return 0, err
		}
		return 1, nil
	}

	latest := history[len(history)-1]
	patch := jsonpatch.Diff(previousSerialized, currentSerialized)
	if len(patch) == 0 {
		return latest.VersionNumber, nil
	}

	nextVersion := latest.VersionNumber + 1
	v := EntityVersion{
		EntityUUID:    entityUUID,
		VersionNumber: nextVersion,
		Timestamp:     now,
		ChangedFields: jsonpatch.ChangedFields(previousSerialized, currentSerialized),
	}

	if snapshotCadence > 0 && latest.VersionNumber%snapshotCadence == 0 {
		v.Kind = Snapshot
		v.Snapshot = currentSerialized
	} else {
		v.Kind = Delta
		v.Patch = patch
	}

	if err := s.put(ctx, v); err != nil {
		return 0, err
	}
	return nextVersion, nil
}

func (s *Store) put(ctx context.Context, v EntityVersion) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.Corrupt, "version: encode", err)
	}
	return s.backend.Put(ctx, s.bucket, v.key(), raw)
}

// GetHistory returns all versions for uuid, ascending by VersionNumber, per
// spec.md §4.4.
func (s *Store) GetHistory(ctx context.Context, entityUUID string) ([]EntityVersion, error) {
	prefix := entityUUID + ":"
	var out []EntityVersion
	err := s.backend.ForEach(ctx, s.bucket, func(kv storage.KeyValue) error {
		if len(kv.Key) < len(prefix) || kv.Key[:len(prefix)] != prefix {
			return nil
		}
		var v EntityVersion
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			return errs.Wrap(errs.Corrupt, fmt.Sprintf("version: decode %s", kv.Key), err)
		}
		out = append(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

// Reconstruct materializes the entity state as of atTimestamp: walks
// history newest-to-oldest to find the latest version with
// Timestamp <= atTimestamp, then replays forward from the nearest preceding
// snapshot, per spec.md §4.4. Returns errs.NotAvailable if atTimestamp
// precedes the earliest retained snapshot, errs.Corrupt if a delta chain's
// expected snapshot is missing.
func (s *Store) Reconstruct(ctx context.Context, entityUUID string, atTimestamp time.Time) (any, error) {
	history, err := s.GetHistory(ctx, entityUUID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, errs.New(errs.NotAvailable, fmt.Sprintf("version: no history for %s", entityUUID))
	}

	targetIdx := -1
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].Timestamp.After(atTimestamp) {
			targetIdx = i
			break
		}
	}
	if targetIdx == -1 {
		return nil, errs.New(errs.NotAvailable, fmt.Sprintf("version: %s has no version at or before %s", entityUUID, atTimestamp))
	}

	snapshotIdx := -1
	for i := targetIdx; i >= 0; i-- {
		if history[i].Kind == Snapshot {
			snapshotIdx = i
			break
		}
	}
	if snapshotIdx == -1 {
		return nil, errs.New(errs.Corrupt, fmt.Sprintf("version: %s has no snapshot at or before version %d", entityUUID, history[targetIdx].VersionNumber))
	}

	state := history[snapshotIdx].Snapshot
	for i := snapshotIdx + 1; i <= targetIdx; i++ {
		if history[i].Kind == Snapshot {
			state = history[i].Snapshot
			continue
		}
		state, err = jsonpatch.Apply(state, history[i].Patch)
		if err != nil {
			return nil, errs.Wrap(errs.Corrupt, fmt.Sprintf("version: replay delta v%d for %s", history[i].VersionNumber, entityUUID), err)
		}
	}
	return state, nil
}

// Prune retains the most recent keepSnapshots snapshots and every delta on
// or after the earliest retained snapshot, deleting everything older.
// keepSnapshots = 0 deletes all history for entityUUID, per spec.md §4.4.
func (s *Store) Prune(ctx context.Context, entityUUID string, keepSnapshots int) error {
	history, err := s.GetHistory(ctx, entityUUID)
	if err != nil {
		return err
	}
	if keepSnapshots <= 0 {
		for _, v := range history {
			if err := s.backend.Delete(ctx, s.bucket, v.key()); err != nil {
				return err
			}
		}
		return nil
	}

	var snapshotIdxs []int
	for i, v := range history {
		if v.Kind == Snapshot {
			snapshotIdxs = append(snapshotIdxs, i)
		}
	}
	if len(snapshotIdxs) <= keepSnapshots {
		return nil
	}
	cutoffIdx := snapshotIdxs[len(snapshotIdxs)-keepSnapshots]
	for i := 0; i < cutoffIdx; i++ {
		if err := s.backend.Delete(ctx, s.bucket, history[i].key()); err != nil {
			return err
		}
	}
	return nil
}
