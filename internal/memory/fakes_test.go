package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ybryx/memcore/internal/vectorstore"
)

// fakeRelational is an in-memory Relational with per-method failure
// injection.
type fakeRelational struct {
	mu       sync.Mutex
	nextID   int64
	rows     []Record
	sessions map[string]*Session
	audits   []AuditEvent
	execs    []Execution
	cursors  map[string]*DecayCursor

	failInsert  error
	failConfirm error
	failRecent  error
	failRefs    error
	failAudit   error
	failEnsure  error
	failScan    error
}

func newFakeRelational() *fakeRelational {
	return &fakeRelational{
		sessions: make(map[string]*Session),
		cursors:  make(map[string]*DecayCursor),
	}
}

func (f *fakeRelational) EnsureSession(ctx context.Context, userID, sessionID, agentName string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEnsure != nil {
		return nil, f.failEnsure
	}
	if s, ok := f.sessions[sessionID]; ok {
		return s, nil
	}
	s := &Session{
		ID: sessionID, UserID: userID, SessionID: sessionID,
		AgentName: agentName, Status: SessionActive, StartedAt: time.Now(),
	}
	f.sessions[sessionID] = s
	return s, nil
}

func (f *fakeRelational) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		return s, nil
	}
	return nil, ErrNotFound
}

func (f *fakeRelational) CloseSession(ctx context.Context, sessionID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	s.Status = status
	s.EndedAt = &now
	return nil
}

func (f *fakeRelational) InsertMemoryLog(ctx context.Context, rec *Record) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert != nil {
		return 0, f.failInsert
	}
	f.nextID++
	r := *rec
	r.ID = f.nextID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	f.rows = append(f.rows, r)
	return r.ID, nil
}

func (f *fakeRelational) ConfirmVector(ctx context.Context, rowID int64, vectorRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConfirm != nil {
		return f.failConfirm
	}
	for i := range f.rows {
		if f.rows[i].ID == rowID {
			f.rows[i].VectorRef = vectorRef
			f.rows[i].VectorState = StateCommitted
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeRelational) MarkDecayed(ctx context.Context, rowID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == rowID {
			f.rows[i].VectorState = StateDecayed
			return nil
		}
	}
	return nil
}

func (f *fakeRelational) RecentEvents(ctx context.Context, sessionID string, limit int, window time.Duration) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRecent != nil {
		return nil, f.failRecent
	}
	cutoff := time.Now().Add(-window)
	var out []Record
	for _, r := range f.rows {
		if r.SessionID == sessionID && r.OperationType == OpWrite &&
			r.VectorState != StateDecayed && r.CreatedAt.After(cutoff) {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

func (f *fakeRelational) CommittedByVectorRefs(ctx context.Context, userID string, refs []string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRefs != nil {
		return nil, f.failRefs
	}
	want := make(map[string]bool, len(refs))
	for _, r := range refs {
		want[r] = true
	}
	out := []Record{}
	for _, r := range f.rows {
		if r.UserID == userID && r.VectorState == StateCommitted && want[r.VectorRef] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRelational) LatestSummary(ctx context.Context, userID, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.rows) - 1; i >= 0; i-- {
		r := f.rows[i]
		if r.UserID == userID && r.SessionID == sessionID &&
			r.VectorState == StateCommitted && (r.HasTag("goal") || r.HasTag("belief")) {
			return r.Content, nil
		}
	}
	return "", ErrNotFound
}

func (f *fakeRelational) ScanDecayable(ctx context.Context, userID, agentName string, cutoff time.Time, afterID int64, limit int) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failScan != nil {
		return nil, f.failScan
	}
	out := []Record{}
	for _, r := range f.rows {
		if r.UserID != userID || r.VectorState == StateDecayed {
			continue
		}
		if agentName != "" && r.AgentName != agentName {
			continue
		}
		if !r.CreatedAt.Before(cutoff) || r.ID <= afterID {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRelational) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Record{}
	for _, r := range f.rows {
		if r.VectorState == StatePending && r.CreatedAt.Before(cutoff) {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeRelational) AppendAudit(ctx context.Context, ev *AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAudit != nil {
		return f.failAudit
	}
	f.audits = append(f.audits, *ev)
	return nil
}

func (f *fakeRelational) InsertExecution(ctx context.Context, ex *Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, *ex)
	return nil
}

func (f *fakeRelational) GetDecayCursor(ctx context.Context, userID, agentName string) (*DecayCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cursors[userID+"/"+agentName]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (f *fakeRelational) SaveDecayCursor(ctx context.Context, cur *DecayCursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *cur
	f.cursors[cur.UserID+"/"+cur.AgentName] = &cp
	return nil
}

func (f *fakeRelational) ListUsers(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, r := range f.rows {
		if r.VectorState != StateDecayed && !seen[r.UserID] {
			seen[r.UserID] = true
			out = append(out, r.UserID)
		}
	}
	return out, nil
}

func (f *fakeRelational) row(id int64) *Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			cp := f.rows[i]
			return &cp
		}
	}
	return nil
}

func (f *fakeRelational) auditCount(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.audits {
		if a.EventType == eventType {
			n++
		}
	}
	return n
}

// fakeVector is an in-memory VectorIndex using cosine similarity, with
// user scoping and AND tag filtering matching the real filter semantics.
type fakeVector struct {
	mu     sync.Mutex
	points map[string]vectorstore.Point

	failUpsert error
	failSearch error
	failDelete error
}

func newFakeVector() *fakeVector {
	return &fakeVector{points: make(map[string]vectorstore.Point)}
}

func (f *fakeVector) Upsert(ctx context.Context, p vectorstore.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpsert != nil {
		return f.failUpsert
	}
	f.points[p.ID] = p
	return nil
}

func (f *fakeVector) Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSearch != nil {
		return nil, f.failSearch
	}
	var hits []vectorstore.Hit
	for _, p := range f.points {
		if p.Meta.UserID != q.UserID {
			continue
		}
		if !hasAllTags(p.Meta.Tags, q.Tags) {
			continue
		}
		score := cosine(q.Vector, p.Vector)
		if score < q.ScoreFloor {
			continue
		}
		hits = append(hits, vectorstore.Hit{ID: p.ID, Score: score, Meta: p.Meta})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if uint64(len(hits)) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (f *fakeVector) Delete(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil {
		return f.failDelete
	}
	for _, id := range ids {
		delete(f.points, id)
	}
	return nil
}

func (f *fakeVector) FindByRowID(ctx context.Context, rowID int64) ([]vectorstore.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []vectorstore.Hit
	for _, p := range f.points {
		if p.Meta.RowID == rowID {
			hits = append(hits, vectorstore.Hit{ID: p.ID, Meta: p.Meta})
		}
	}
	return hits, nil
}

func (f *fakeVector) DeleteByRowID(ctx context.Context, rowID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.points {
		if p.Meta.RowID == rowID {
			delete(f.points, id)
		}
	}
	return nil
}

func (f *fakeVector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// trigramEmbedder hashes character trigrams into a fixed-size vector, so
// texts sharing substrings land close under cosine similarity. Deterministic,
// no network.
type trigramEmbedder struct {
	fail error
	dim  int
}

func newTrigramEmbedder() *trigramEmbedder { return &trigramEmbedder{dim: 64} }

func (e *trigramEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.fail != nil {
		return nil, e.fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, e.dim)
		t = strings.ToLower(t)
		for j := 0; j+3 <= len(t); j++ {
			tri := t[j : j+3]
			h := 0
			for _, c := range tri {
				h = h*31 + int(c)
			}
			vec[((h%e.dim)+e.dim)%e.dim]++
		}
		out[i] = vec
	}
	return out, nil
}

func (e *trigramEmbedder) Dimension() int { return e.dim }

// fakeCache records hits and invalidations.
type fakeCache struct {
	mu          sync.Mutex
	entries     map[string][]Record
	gets, hits  int
	invalidated int
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[string][]Record)} }

func (f *fakeCache) GetRecent(ctx context.Context, sessionID string) ([]Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	events, ok := f.entries[sessionID]
	if ok {
		f.hits++
	}
	return events, ok
}

func (f *fakeCache) SetRecent(ctx context.Context, sessionID string, events []Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[sessionID] = events
}

func (f *fakeCache) Invalidate(ctx context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	delete(f.entries, sessionID)
}

var errDown = errors.New("connection refused")
