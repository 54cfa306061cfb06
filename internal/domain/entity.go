// Package domain defines the data model from spec.md §3: BaseEntity, the
// SyncStatus lifecycle, and the capability traits (Embeddable, Chunkable,
// Versionable, Ownable, Temporal, Edgeable, Invocable) attached via
// composition rather than inheritance, per spec.md §9 "Inheritance and
// mixin stacks". Domain entities carry none of the backend-specific
// decoration the teacher's sqlite rows do (spec.md §9 "Domain entities free
// of backend decoration") — that translation lives in internal/storage.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the remote-sync lifecycle state of an entity, per spec.md §3.
// Transitions: local -> syncing -> {synced, conflict}; conflict -> synced;
// synced -> syncing.
type SyncStatus string

const (
	SyncLocal    SyncStatus = "local"
	SyncSyncing  SyncStatus = "syncing"
	SyncSynced   SyncStatus = "synced"
	SyncConflict SyncStatus = "conflict"
)

// ValidTransition reports whether moving from s to next is a legal
// SyncStatus transition per spec.md §3's invariant.
func (s SyncStatus) ValidTransition(next SyncStatus) bool {
	switch s {
	case SyncLocal:
		return next == SyncSyncing
	case SyncSyncing:
		return next == SyncSynced || next == SyncConflict
	case SyncConflict:
		return next == SyncSynced
	case SyncSynced:
		return next == SyncSyncing
	default:
		return false
	}
}

// BaseEntity is the abstract record every persisted entity embeds. uuid is
// opaque, globally unique, and immutable once assigned; any adapter-local
// integer handle is a storage-layer concern and never appears here (spec.md
// §3, §9).
type BaseEntity struct {
	UUID       string     `json:"uuid"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	SyncStatus SyncStatus `json:"syncStatus"`
	SyncID     string     `json:"syncId,omitempty"`
}

// NewBaseEntity mints a BaseEntity with a fresh UUID, createdAt == updatedAt
// == now, and SyncStatus local, satisfying the invariant createdAt <= updatedAt.
func NewBaseEntity(now time.Time) BaseEntity {
	return BaseEntity{
		UUID:       NewUUID(),
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncStatus: SyncLocal,
	}
}

// NewUUID generates a new opaque 128-bit-style identifier.
func NewUUID() string {
	return uuid.NewString()
}

// Entity is the minimal contract every domain type must satisfy to be
// stored: an identity and the fields the repository touches on every save.
type Entity interface {
	GetUUID() string
	GetCreatedAt() time.Time
	GetUpdatedAt() time.Time
	SetUpdatedAt(time.Time)
	GetSyncStatus() SyncStatus
	SetSyncStatus(SyncStatus)
	GetSyncID() string
	SetSyncID(string)
}

func (b *BaseEntity) GetUUID() string             { return b.UUID }
func (b *BaseEntity) GetCreatedAt() time.Time      { return b.CreatedAt }
func (b *BaseEntity) GetUpdatedAt() time.Time      { return b.UpdatedAt }
func (b *BaseEntity) SetUpdatedAt(t time.Time)     { b.UpdatedAt = t }
func (b *BaseEntity) GetSyncStatus() SyncStatus    { return b.SyncStatus }
func (b *BaseEntity) SetSyncStatus(s SyncStatus)   { b.SyncStatus = s }
func (b *BaseEntity) GetSyncID() string            { return b.SyncID }
func (b *BaseEntity) SetSyncID(id string)          { b.SyncID = id }

var _ Entity = (*BaseEntity)(nil)
