package domain

// Embeddable is satisfied by an entity kind whose repository maintains a
// vector embedding, per spec.md §3. TextForEmbedding projects the entity to
// the text that gets embedded; Vector/SetVector track whether the stored
// vector is absent, present, or stale relative to the projected text.
type Embeddable interface {
	Entity
	TextForEmbedding() string
	Vector() []float32
	SetVector(v []float32)
}

// ChunkConfigName names one of the chunker presets from spec.md §4.7.
type ChunkConfigName string

const (
	ChunkConfigParent ChunkConfigName = "parent"
	ChunkConfigChild  ChunkConfigName = "child"
)

// Chunkable is satisfied by an entity kind that declares text to be split
// into retrieval chunks, independent of Embeddable (spec.md §3).
type Chunkable interface {
	Entity
	TextForChunking() string
	ChunkConfig() ChunkConfigName
}

// Versionable is satisfied by an entity kind whose mutation history the
// version store (C5) records, per spec.md §3/§4.4.
type Versionable interface {
	Entity
	Version() int
	SetVersion(int)
	SnapshotCadence() int // 0 means "snapshot-only-on-create" per config.SnapshotOnly
	LastModifiedBy() string
	SetLastModifiedBy(string)
}

// Visibility is the Ownable sharing mode from spec.md §3.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
	VisibilityPublic  Visibility = "public"
)

// Valid enforces spec.md §3's rule: private => sharees empty; shared =>
// sharees non-empty; public => always valid.
func (v Visibility) Valid(shareeCount int) bool {
	switch v {
	case VisibilityPrivate:
		return shareeCount == 0
	case VisibilityShared:
		return shareeCount > 0
	case VisibilityPublic:
		return true
	default:
		return false
	}
}

// Ownable is satisfied by an entity kind carrying an owner, sharees, and a
// visibility mode, per spec.md §3.
type Ownable interface {
	Entity
	OwnerID() string
	Sharees() []string
	Visibility() Visibility
}

// Temporal is satisfied by an entity kind carrying scheduling fields, per
// spec.md §3. Pointers are nil when the field is unset.
type Temporal interface {
	Entity
	DueAt() *int64
	ScheduledAt() *int64
	CompletedAt() *int64
	RecurrenceRule() string
}

// Edgeable is a marker trait: the entity may participate in the edge graph
// (internal/edge). It has no behavior of its own — the edge store operates
// on uuids and entity-kind strings, not on typed entity values.
type Edgeable interface {
	Entity
}

// InvocationStatus is the outcome recorded on an Invocable entity's birth
// certificate.
type InvocationStatus string

const (
	InvocationPending InvocationStatus = "pending"
	InvocationSuccess InvocationStatus = "success"
	InvocationFailed  InvocationStatus = "failed"
)

// BirthCertificate records that an entity was created as the side effect of
// a tool invocation, per spec.md §3 Invocable.
type BirthCertificate struct {
	CorrelationID      string           `json:"correlationId"`
	InvokingTool       string           `json:"invokingTool"`
	InvocationParams   map[string]any   `json:"invocationParams,omitempty"`
	Confidence         float64          `json:"confidence"`
	Status             InvocationStatus `json:"status"`
}

// Invocable is satisfied by an entity kind created as a tool-call side
// effect, per spec.md §3.
type Invocable interface {
	Entity
	BirthCertificate() *BirthCertificate
}
