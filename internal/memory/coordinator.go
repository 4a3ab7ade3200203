package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ybryx/memcore/internal/embedding"
	"github.com/ybryx/memcore/internal/retry"
	"github.com/ybryx/memcore/internal/vectorstore"
)

// Options holds the coordinator's tunable parameters.
type Options struct {
	RecallTopK   int
	ScoreFloor   float32
	RecentLimit  int
	RecentWindow time.Duration
	PendingGrace time.Duration
	DecayBatch   int

	// ContextTimeout is shorter than WriteTimeout: load_context sits on an
	// interactive path and degrades instead of waiting.
	ContextTimeout time.Duration
	WriteTimeout   time.Duration
	DecayTimeout   time.Duration
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		RecallTopK:     10,
		ScoreFloor:     0.75,
		RecentLimit:    50,
		RecentWindow:   24 * time.Hour,
		PendingGrace:   time.Hour,
		DecayBatch:     200,
		ContextTimeout: 3 * time.Second,
		WriteTimeout:   10 * time.Second,
		DecayTimeout:   60 * time.Second,
	}
}

// Coordinator is the sole authority for memory operations across the
// relational and vector stores. Agent runtime nodes never touch either store
// directly.
type Coordinator struct {
	rel      Relational
	vec      VectorIndex
	embedder embedding.Provider
	retry    *retry.Policy
	cache    ContextCache
	opts     Options
	logger   *zap.Logger

	failures chan AuditFailure
	now      func() time.Time
}

// NewCoordinator wires the coordinator with explicitly constructed store
// adapters. Nothing here is a global singleton.
func NewCoordinator(rel Relational, vec VectorIndex, embedder embedding.Provider, policy *retry.Policy, opts Options, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		rel:      rel,
		vec:      vec,
		embedder: embedder,
		retry:    policy,
		opts:     opts,
		logger:   logger,
		failures: make(chan AuditFailure, 64),
		now:      time.Now,
	}
	policy.OnExhausted = c.onRetryExhausted
	return c
}

// SetCache attaches an optional recent-context cache.
func (c *Coordinator) SetCache(cache ContextCache) { c.cache = cache }

// Failures exposes escalated audit-write failures. The process owner is
// expected to drain this channel.
func (c *Coordinator) Failures() <-chan AuditFailure { return c.failures }

const opAuditAppend = "audit.append"

// onRetryExhausted records one audit entry per exhausted retry sequence.
// Audit appends themselves are excluded to avoid recursion; their failures
// are escalated through the failure channel instead.
func (c *Coordinator) onRetryExhausted(op string, attempts int, err error) {
	if op == opAuditAppend {
		return
	}
	ev := &AuditEvent{
		EventType: "retry_exhausted",
		Severity:  SeverityWarning,
		Message:   fmt.Sprintf("operation %s gave up after %d attempts", op, attempts),
		Data:      map[string]any{"op": op, "attempts": attempts, "error": err.Error()},
		Timestamp: c.now().UTC(),
	}
	// Best effort, no retry: the store just proved unreachable.
	if aerr := c.rel.AppendAudit(context.Background(), ev); aerr != nil {
		c.logger.Warn("audit append for exhausted retry failed", zap.String("op", op), zap.Error(aerr))
	}
}

// asStoreErr maps retry exhaustion onto the StoreUnavailable condition;
// permanent errors pass through unchanged.
func asStoreErr(store string, err error) error {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return &StoreUnavailableError{Store: store, Err: err}
	}
	return err
}

// encodeContent renders the opaque content map as its relational text
// projection. Content lives once in relational as text and once in vector as
// an embedding, never twice in either.
func encodeContent(content map[string]any) string {
	b, err := json.Marshal(content)
	if err != nil {
		return fmt.Sprintf("%v", content)
	}
	return string(b)
}

// WriteMemory applies the mandated write order: embed (pure), reserve the
// relational row as pending, write the vector entry, then confirm the row.
// A vector-step failure after retries leaves the row pending for the repair
// pass; it is recorded, not surfaced.
func (c *Coordinator) WriteMemory(ctx context.Context, userID, sessionID string, p Payload) error {
	if userID == "" {
		return &ValidationError{Field: "user_id", Reason: "missing"}
	}
	if sessionID == "" {
		sessionID = p.SessionID
	}
	if sessionID == "" {
		return &ValidationError{Field: "session_id", Reason: "missing"}
	}
	if err := p.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()

	if err := c.retry.Do(ctx, "session.ensure", func(ctx context.Context) error {
		_, err := c.rel.EnsureSession(ctx, userID, sessionID, p.Agent)
		return err
	}); err != nil {
		c.audit(ctx, &AuditEvent{
			EventType: "memory_write", Severity: SeverityError,
			Message: "write failed: session could not be established",
			Data:    map[string]any{"error": err.Error()},
			UserID:  userID, SessionID: sessionID, AgentName: p.Agent,
		})
		return asStoreErr("relational", err)
	}

	contentText := encodeContent(p.Content)
	needsVector := p.Type.NeedsVector()

	// Embedding is computed before any store write so a provider failure
	// leaves both stores untouched.
	var vector []float32
	if needsVector {
		if err := c.retry.Do(ctx, "embed", func(ctx context.Context) error {
			vecs, err := c.embedder.Embed(ctx, []string{contentText})
			if err != nil {
				return err
			}
			if len(vecs) == 0 || len(vecs[0]) == 0 {
				return errors.New("embedding: empty result")
			}
			vector = vecs[0]
			return nil
		}); err != nil {
			c.audit(ctx, &AuditEvent{
				EventType: "memory_write", Severity: SeverityError,
				Message: "write failed: embedding unavailable",
				Data:    map[string]any{"error": err.Error(), "memory_type": string(p.Type)},
				UserID:  userID, SessionID: sessionID, AgentName: p.Agent,
			})
			return fmt.Errorf("embed content: %w", err)
		}
	}

	rec := &Record{
		UserID:        userID,
		SessionID:     sessionID,
		AgentName:     p.Agent,
		OperationType: OpWrite,
		MemoryType:    p.Type,
		Content:       contentText,
		VectorState:   StateNone,
		Tags:          p.Tags,
		Retain:        p.Retain,
		CreatedAt:     p.Timestamp,
	}
	if needsVector {
		rec.VectorState = StatePending
	}

	var rowID int64
	if err := c.retry.Do(ctx, "memlog.insert", func(ctx context.Context) error {
		id, err := c.rel.InsertMemoryLog(ctx, rec)
		if err != nil {
			return err
		}
		rowID = id
		return nil
	}); err != nil {
		c.audit(ctx, &AuditEvent{
			EventType: "memory_write", Severity: SeverityError,
			Message: "write failed: relational append",
			Data:    map[string]any{"error": err.Error(), "memory_type": string(p.Type)},
			UserID:  userID, SessionID: sessionID, AgentName: p.Agent,
		})
		return asStoreErr("relational", err)
	}

	c.invalidateCache(ctx, sessionID)

	if !needsVector {
		c.audit(ctx, &AuditEvent{
			EventType: "memory_write", Severity: SeverityInfo,
			Message: "memory written",
			Data:    map[string]any{"row_id": rowID, "memory_type": string(p.Type), "vector": false},
			UserID:  userID, SessionID: sessionID, AgentName: p.Agent,
		})
		return nil
	}

	vecID := uuid.NewString()
	point := vectorstore.Point{
		ID:     vecID,
		Vector: vector,
		Meta: vectorstore.PointMeta{
			RowID:     rowID,
			UserID:    userID,
			SessionID: sessionID,
			AgentName: p.Agent,
			Tags:      p.Tags,
		},
	}
	if err := c.retry.Do(ctx, "vector.upsert", func(ctx context.Context) error {
		return c.vec.Upsert(ctx, point)
	}); err != nil {
		// Partial write: the row stays pending and is invisible to recall
		// until the repair pass completes it or decay reclaims it.
		c.logger.Warn("vector write failed, row left pending",
			zap.Int64("row_id", rowID), zap.Error(err))
		c.audit(ctx, &AuditEvent{
			EventType: "memory_write", Severity: SeverityWarning,
			Message: "partial write: vector step failed, row pending",
			Data:    map[string]any{"row_id": rowID, "error": err.Error()},
			UserID:  userID, SessionID: sessionID, AgentName: p.Agent,
		})
		return nil
	}

	if err := c.retry.Do(ctx, "memlog.confirm", func(ctx context.Context) error {
		return c.rel.ConfirmVector(ctx, rowID, vecID)
	}); err != nil {
		// The vector exists and carries the row back-reference, so the
		// repair pass can finish the confirmation later.
		c.logger.Warn("vector confirm failed, row left pending",
			zap.Int64("row_id", rowID), zap.String("vector_ref", vecID), zap.Error(err))
		c.audit(ctx, &AuditEvent{
			EventType: "memory_write", Severity: SeverityWarning,
			Message: "partial write: confirm step failed, row pending",
			Data:    map[string]any{"row_id": rowID, "vector_ref": vecID, "error": err.Error()},
			UserID:  userID, SessionID: sessionID, AgentName: p.Agent,
		})
		return nil
	}

	c.audit(ctx, &AuditEvent{
		EventType: "memory_write", Severity: SeverityInfo,
		Message: "memory written",
		Data:    map[string]any{"row_id": rowID, "vector_ref": vecID, "memory_type": string(p.Type), "vector": true},
		UserID:  userID, SessionID: sessionID, AgentName: p.Agent,
	})
	return nil
}

// Recall embeds the query and runs a similarity search scoped to the user,
// optionally narrowed by tags (all must match). Results are enriched from the
// relational store so callers never need a second round trip. An empty result
// is not an error.
func (c *Coordinator) Recall(ctx context.Context, userID, query string, tags []string) ([]ScoredRecord, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "missing"}
	}
	if query == "" {
		return nil, &ValidationError{Field: "query", Reason: "missing"}
	}

	results, err := c.recall(ctx, userID, query, tags)
	if err != nil {
		c.audit(ctx, &AuditEvent{
			EventType: "memory_recall", Severity: SeverityError,
			Message: "recall failed",
			Data:    map[string]any{"query": truncate(query, 100), "error": err.Error()},
			UserID:  userID,
		})
		// Reads degrade: an unreachable vector store yields an empty result,
		// not a hard failure. Relational enrichment failures still surface,
		// the system of record being down is not a degraded read.
		var su *StoreUnavailableError
		if errors.As(err, &su) && su.Store == "vector" {
			return []ScoredRecord{}, nil
		}
		return nil, err
	}

	c.audit(ctx, &AuditEvent{
		EventType: "memory_recall", Severity: SeverityInfo,
		Message: "memory recalled",
		Data:    map[string]any{"query": truncate(query, 100), "results": len(results), "tags": tags},
		UserID:  userID,
	})
	return results, nil
}

// recall is the audit-free inner recall shared with LoadContext.
func (c *Coordinator) recall(ctx context.Context, userID, query string, tags []string) ([]ScoredRecord, error) {
	var vector []float32
	if err := c.retry.Do(ctx, "embed", func(ctx context.Context) error {
		vecs, err := c.embedder.Embed(ctx, []string{query})
		if err != nil {
			return err
		}
		if len(vecs) == 0 || len(vecs[0]) == 0 {
			return errors.New("embedding: empty result")
		}
		vector = vecs[0]
		return nil
	}); err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Overfetch: some hits may map to rows that are no longer committed.
	var hits []vectorstore.Hit
	if err := c.retry.Do(ctx, "vector.search", func(ctx context.Context) error {
		var err error
		hits, err = c.vec.Search(ctx, vectorstore.Query{
			Vector:     vector,
			UserID:     userID,
			Tags:       tags,
			Limit:      uint64(c.opts.RecallTopK * 3),
			ScoreFloor: c.opts.ScoreFloor,
		})
		return err
	}); err != nil {
		return nil, asStoreErr("vector", err)
	}
	if len(hits) == 0 {
		return []ScoredRecord{}, nil
	}

	refs := make([]string, len(hits))
	for i, h := range hits {
		refs[i] = h.ID
	}
	var rows []Record
	if err := c.retry.Do(ctx, "memlog.enrich", func(ctx context.Context) error {
		var err error
		rows, err = c.rel.CommittedByVectorRefs(ctx, userID, refs)
		return err
	}); err != nil {
		return nil, asStoreErr("relational", err)
	}

	byRef := make(map[string]Record, len(rows))
	for _, r := range rows {
		byRef[r.VectorRef] = r
	}

	results := make([]ScoredRecord, 0, len(hits))
	for _, h := range hits {
		rec, ok := byRef[h.ID]
		if !ok {
			continue // pending or decayed, excluded at the store level
		}
		results = append(results, ScoredRecord{Record: rec, Score: h.Score})
	}

	// Score descending; ties broken by recency descending.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.CreatedAt.After(results[j].Record.CreatedAt)
	})
	if len(results) > c.opts.RecallTopK {
		results = results[:c.opts.RecallTopK]
	}
	return results, nil
}

// LoadContext assembles an ephemeral snapshot: session metadata, the recent
// relational events, and a concurrent recall. The relational store is the
// system of record — if it is unreachable the whole call fails; if only the
// vector side fails the snapshot comes back degraded instead.
func (c *Coordinator) LoadContext(ctx context.Context, userID, sessionID, query string) (*ContextSnapshot, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "missing"}
	}
	if sessionID == "" {
		return nil, &ValidationError{Field: "session_id", Reason: "missing"}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ContextTimeout)
	defer cancel()

	var session *Session
	if err := c.retry.Do(ctx, "session.ensure", func(ctx context.Context) error {
		var err error
		session, err = c.rel.EnsureSession(ctx, userID, sessionID, "")
		return err
	}); err != nil {
		return nil, asStoreErr("relational", err)
	}

	snap := &ContextSnapshot{
		Session:      *session,
		RecentEvents: []Record{},
		Recalled:     []ScoredRecord{},
		LoadedAt:     c.now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		events, err := c.recentEvents(gctx, sessionID)
		if err != nil {
			return asStoreErr("relational", err)
		}
		snap.RecentEvents = events
		return nil
	})

	g.Go(func() error {
		q := query
		if q == "" {
			// Implicit query: the session's latest stored goal/belief summary.
			summary, err := c.rel.LatestSummary(gctx, userID, sessionID)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					c.logger.Debug("implicit recall query unavailable", zap.Error(err))
				}
				return nil
			}
			q = summary
		}
		recalled, err := c.recall(gctx, userID, q, nil)
		if err != nil {
			// Vector-side failure degrades the snapshot instead of failing
			// the interactive path.
			c.logger.Warn("recall degraded during context load",
				zap.String("session_id", sessionID), zap.Error(err))
			snap.Degraded = true
			return nil
		}
		snap.Recalled = recalled
		return nil
	})

	if err := g.Wait(); err != nil {
		c.audit(ctx, &AuditEvent{
			EventType: "context_load", Severity: SeverityError,
			Message: "context load failed",
			Data:    map[string]any{"error": err.Error()},
			UserID:  userID, SessionID: sessionID,
		})
		return nil, err
	}

	c.audit(ctx, &AuditEvent{
		EventType: "context_loaded", Severity: SeverityInfo,
		Message: "context loaded",
		Data: map[string]any{
			"events":   len(snap.RecentEvents),
			"recalled": len(snap.Recalled),
			"degraded": snap.Degraded,
		},
		UserID: userID, SessionID: sessionID,
	})
	return snap, nil
}

// recentEvents reads the bounded recent-events window, through the cache
// when one is attached.
func (c *Coordinator) recentEvents(ctx context.Context, sessionID string) ([]Record, error) {
	if c.cache != nil {
		if events, ok := c.cache.GetRecent(ctx, sessionID); ok {
			return events, nil
		}
	}

	var events []Record
	if err := c.retry.Do(ctx, "memlog.recent", func(ctx context.Context) error {
		var err error
		events, err = c.rel.RecentEvents(ctx, sessionID, c.opts.RecentLimit, c.opts.RecentWindow)
		return err
	}); err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.SetRecent(ctx, sessionID, events)
	}
	return events, nil
}

func (c *Coordinator) invalidateCache(ctx context.Context, sessionID string) {
	if c.cache != nil {
		c.cache.Invalidate(ctx, sessionID)
	}
}

// LogEvent unconditionally appends one audit event. Fire-and-forget for the
// caller; persistence failures are escalated on the failure channel, never
// dropped.
func (c *Coordinator) LogEvent(ctx context.Context, userID, eventType string, data map[string]any) error {
	if userID == "" {
		return &ValidationError{Field: "user_id", Reason: "missing"}
	}
	if eventType == "" {
		return &ValidationError{Field: "event_type", Reason: "missing"}
	}
	c.audit(ctx, &AuditEvent{
		EventType: eventType,
		Severity:  SeverityInfo,
		Message:   eventType,
		Data:      data,
		UserID:    userID,
	})
	return nil
}

// audit appends an audit event through the retry policy, escalating on
// exhaustion.
func (c *Coordinator) audit(ctx context.Context, ev *AuditEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now().UTC()
	}
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}

	// Audit must outlive the operation that produced it: a write that timed
	// out still gets its failure recorded.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := c.retry.Do(actx, opAuditAppend, func(ctx context.Context) error {
		return c.rel.AppendAudit(ctx, ev)
	})
	if err == nil {
		return
	}

	failure := AuditFailure{Event: ev, Err: err, At: c.now().UTC()}
	select {
	case c.failures <- failure:
	default:
		c.logger.Error("audit failure channel full, event lost",
			zap.String("event_type", ev.EventType), zap.Error(err))
	}
}

// OpenSession creates a new session and returns its external id.
func (c *Coordinator) OpenSession(ctx context.Context, userID, agentName string) (string, error) {
	if userID == "" {
		return "", &ValidationError{Field: "user_id", Reason: "missing"}
	}
	sessionID := uuid.NewString()
	if err := c.retry.Do(ctx, "session.ensure", func(ctx context.Context) error {
		_, err := c.rel.EnsureSession(ctx, userID, sessionID, agentName)
		return err
	}); err != nil {
		return "", asStoreErr("relational", err)
	}
	c.audit(ctx, &AuditEvent{
		EventType: "session_opened", Severity: SeverityInfo,
		Message: "session opened",
		UserID:  userID, SessionID: sessionID, AgentName: agentName,
	})
	return sessionID, nil
}

// CloseSession marks a session terminal.
func (c *Coordinator) CloseSession(ctx context.Context, sessionID, status string) error {
	switch status {
	case SessionCompleted, SessionFailed, SessionTimeout:
	default:
		return &ValidationError{Field: "status", Reason: "must be completed, failed, or timeout"}
	}
	if err := c.retry.Do(ctx, "session.close", func(ctx context.Context) error {
		return c.rel.CloseSession(ctx, sessionID, status)
	}); err != nil {
		return asStoreErr("relational", err)
	}
	c.audit(ctx, &AuditEvent{
		EventType: "session_closed", Severity: SeverityInfo,
		Message: "session closed: " + status, SessionID: sessionID,
	})
	return nil
}

// LogExecution appends an agent execution record.
func (c *Coordinator) LogExecution(ctx context.Context, ex *Execution) error {
	if ex.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "missing"}
	}
	if ex.ExecutionID == "" {
		return &ValidationError{Field: "execution_id", Reason: "missing"}
	}
	if err := c.retry.Do(ctx, "execution.insert", func(ctx context.Context) error {
		return c.rel.InsertExecution(ctx, ex)
	}); err != nil {
		return asStoreErr("relational", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
