package memory

import (
	"time"
)

// Type classifies a memory payload. Only long_term, semantic, and episodic
// memories get a vector projection; short_term and procedural entries are
// relational-only.
type Type string

const (
	ShortTerm  Type = "short_term"
	LongTerm   Type = "long_term"
	Episodic   Type = "episodic"
	Semantic   Type = "semantic"
	Procedural Type = "procedural"
)

// Valid reports whether t is a known memory type.
func (t Type) Valid() bool {
	switch t {
	case ShortTerm, LongTerm, Episodic, Semantic, Procedural:
		return true
	}
	return false
}

// NeedsVector reports whether this memory type gets a vector projection.
func (t Type) NeedsVector() bool {
	switch t {
	case LongTerm, Semantic, Episodic:
		return true
	}
	return false
}

// VectorState is the lifecycle state of a record's link to its vector
// projection: none → pending → committed → decayed.
type VectorState string

const (
	StateNone      VectorState = "none"
	StatePending   VectorState = "pending"
	StateCommitted VectorState = "committed"
	StateDecayed   VectorState = "decayed"
)

// Operation types recorded on memory_logs rows.
const (
	OpWrite  = "write"
	OpRead   = "read"
	OpRecall = "recall"
	OpDecay  = "decay"
	OpDelete = "delete"
)

// Payload is the unit of write supplied by agent runtime nodes. Content is an
// opaque structured map: the coordinator validates the envelope, never the
// content schema, so agents can evolve independently.
type Payload struct {
	Identity  string         `json:"identity"`
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent"`
	SessionID string         `json:"session_id"`
	Type      Type           `json:"type"`
	Content   map[string]any `json:"content"`
	Tags      []string       `json:"tags,omitempty"`
	Retain    bool           `json:"retain,omitempty"`
}

// Validate checks the payload envelope. It performs no I/O.
func (p *Payload) Validate() error {
	switch {
	case p.Identity == "":
		return &ValidationError{Field: "identity", Reason: "missing"}
	case p.Agent == "":
		return &ValidationError{Field: "agent", Reason: "missing"}
	case p.Type == "":
		return &ValidationError{Field: "type", Reason: "missing"}
	case !p.Type.Valid():
		return &ValidationError{Field: "type", Reason: "unknown memory type " + string(p.Type)}
	case p.Timestamp.IsZero():
		return &ValidationError{Field: "timestamp", Reason: "missing"}
	case p.Content == nil:
		return &ValidationError{Field: "content", Reason: "missing"}
	}
	return nil
}

// Record is the relational projection of a stored memory.
type Record struct {
	ID            int64       `json:"id"`
	UserID        string      `json:"user_id"`
	SessionID     string      `json:"session_id"`
	AgentName     string      `json:"agent_name"`
	OperationType string      `json:"operation_type"`
	MemoryType    Type        `json:"memory_type"`
	Content       string      `json:"content"`
	VectorRef     string      `json:"vector_ref,omitempty"`
	VectorState   VectorState `json:"vector_state"`
	Tags          []string    `json:"tags,omitempty"`
	Retain        bool        `json:"retain,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// HasTag reports whether the record carries the given tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ScoredRecord is a recall result: a committed record plus its similarity score.
type ScoredRecord struct {
	Record Record  `json:"record"`
	Score  float32 `json:"score"`
}

// Session is a row from the sessions table.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	SessionID string     `json:"session_id"`
	AgentName string     `json:"agent_name"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Session terminal statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionTimeout   = "timeout"
)

// ContextSnapshot is the ephemeral result of load_context. It is built fresh
// on every call and never persisted.
type ContextSnapshot struct {
	Session      Session        `json:"session"`
	RecentEvents []Record       `json:"recent_events"`
	Recalled     []ScoredRecord `json:"recalled_memories"`
	Degraded     bool           `json:"degraded"`
	LoadedAt     time.Time      `json:"loaded_at"`
}

// Severity levels for audit events.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// AuditEvent is an append-only audit row. Immutable once written.
type AuditEvent struct {
	EventType string         `json:"event_type"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	AgentName string         `json:"agent_name,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Execution is an agent execution log entry.
type Execution struct {
	UserID       string         `json:"user_id"`
	SessionID    string         `json:"session_id"`
	AgentName    string         `json:"agent_name"`
	ExecutionID  string         `json:"execution_id"`
	Input        map[string]any `json:"input_payload,omitempty"`
	Output       map[string]any `json:"output_payload,omitempty"`
	Status       string         `json:"status"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
}

// DecayCursor is the per-(user, agent) bookkeeping that makes decay sweeps
// resumable: an interrupted sweep continues from LastRowID instead of
// restarting, and already-processed rows are never re-decayed.
type DecayCursor struct {
	UserID      string    `json:"user_id"`
	AgentName   string    `json:"agent_name"`
	LastSweptAt time.Time `json:"last_swept_at"`
	LastRowID   int64     `json:"last_row_id"`
}

// DecayOptions narrows or widens a decay sweep.
type DecayOptions struct {
	// AgentName scopes the sweep to one agent; empty sweeps all agents.
	AgentName string
	// IncludeExempt overrides the default exemption of long_term goal/belief
	// records.
	IncludeExempt bool
}

// DecayReport summarizes a decay sweep.
type DecayReport struct {
	Scanned  int `json:"scanned"`
	Decayed  int `json:"decayed"`
	Retained int `json:"retained"`
	Failed   int `json:"failed"`
}
