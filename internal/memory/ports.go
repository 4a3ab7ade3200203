package memory

import (
	"context"
	"time"

	"github.com/ybryx/memcore/internal/vectorstore"
)

// Relational is the structured system-of-record store. The coordinator is its
// only writer.
type Relational interface {
	// EnsureSession finds or creates the session row for the external
	// session_id, returning it.
	EnsureSession(ctx context.Context, userID, sessionID, agentName string) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	CloseSession(ctx context.Context, sessionID, status string) error

	// InsertMemoryLog appends a memory row and returns its id. The row's
	// vector_state must be set by the caller (none or pending).
	InsertMemoryLog(ctx context.Context, rec *Record) (int64, error)
	// ConfirmVector sets the row's vector_ref and moves pending → committed.
	ConfirmVector(ctx context.Context, rowID int64, vectorRef string) error
	// MarkDecayed soft-deletes a row: decayed is terminal, rows are never
	// physically removed.
	MarkDecayed(ctx context.Context, rowID int64) error

	// RecentEvents returns the newest write rows for a session, bounded by
	// both count and time window, oldest first.
	RecentEvents(ctx context.Context, sessionID string, limit int, window time.Duration) ([]Record, error)
	// CommittedByVectorRefs returns only committed rows matching the given
	// vector refs; pending and decayed rows are excluded at the store level.
	CommittedByVectorRefs(ctx context.Context, userID string, refs []string) ([]Record, error)
	// LatestSummary returns the content of the newest committed goal/belief
	// record for the session, or ErrNotFound.
	LatestSummary(ctx context.Context, userID, sessionID string) (string, error)

	// ScanDecayable pages through non-decayed rows older than cutoff with
	// id > afterID, ordered by id.
	ScanDecayable(ctx context.Context, userID, agentName string, cutoff time.Time, afterID int64, limit int) ([]Record, error)
	// StalePending returns pending rows created before cutoff.
	StalePending(ctx context.Context, cutoff time.Time, limit int) ([]Record, error)

	AppendAudit(ctx context.Context, ev *AuditEvent) error
	InsertExecution(ctx context.Context, ex *Execution) error

	GetDecayCursor(ctx context.Context, userID, agentName string) (*DecayCursor, error)
	SaveDecayCursor(ctx context.Context, cur *DecayCursor) error

	// ListUsers returns the distinct user ids with live memory rows, for
	// background maintenance.
	ListUsers(ctx context.Context) ([]string, error)
}

// VectorIndex is the embedding-indexed store. Entries are only ever deleted
// by the coordinator's decay and repair passes.
type VectorIndex interface {
	Upsert(ctx context.Context, p vectorstore.Point) error
	Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.Hit, error)
	Delete(ctx context.Context, ids []string) error
	FindByRowID(ctx context.Context, rowID int64) ([]vectorstore.Hit, error)
	DeleteByRowID(ctx context.Context, rowID int64) error
}

// ContextCache is an optional read-through cache of a session's recent
// events. The relational store stays authoritative; the cache is invalidated
// on every write for the session.
type ContextCache interface {
	GetRecent(ctx context.Context, sessionID string) ([]Record, bool)
	SetRecent(ctx context.Context, sessionID string, events []Record)
	Invalidate(ctx context.Context, sessionID string)
}
