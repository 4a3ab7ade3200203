package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ybryx/memcore/internal/memory"
)

// fakeService records calls and returns canned results.
type fakeService struct {
	snapshot *memory.ContextSnapshot
	recalled []memory.ScoredRecord
	report   *memory.DecayReport
	err      error

	wrote     []memory.Payload
	events    []string
	sessionID string
	closed    string
}

func (f *fakeService) LoadContext(ctx context.Context, userID, sessionID, query string) (*memory.ContextSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

func (f *fakeService) WriteMemory(ctx context.Context, userID, sessionID string, p memory.Payload) error {
	if f.err != nil {
		return f.err
	}
	f.wrote = append(f.wrote, p)
	return nil
}

func (f *fakeService) Recall(ctx context.Context, userID, query string, tags []string) ([]memory.ScoredRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.recalled, nil
}

func (f *fakeService) LogEvent(ctx context.Context, userID, eventType string, data map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeService) Decay(ctx context.Context, userID string, cutoff time.Time, opts memory.DecayOptions) (*memory.DecayReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

func (f *fakeService) OpenSession(ctx context.Context, userID, agentName string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.sessionID, nil
}

func (f *fakeService) CloseSession(ctx context.Context, sessionID, status string) error {
	if f.err != nil {
		return f.err
	}
	f.closed = status
	return nil
}

func (f *fakeService) LogExecution(ctx context.Context, ex *memory.Execution) error {
	return f.err
}

func newTestServer(t *testing.T, svc *fakeService) *httptest.Server {
	t.Helper()
	h := NewHandler(svc, zap.NewNop())
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestOpenAndCloseSession(t *testing.T) {
	svc := &fakeService{sessionID: "sess-1"}
	ts := newTestServer(t, svc)

	resp := postJSON(t, ts, "/api/sessions", map[string]string{"user_id": "u1", "agent_name": "financing"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["session_id"] != "sess-1" {
		t.Errorf("session_id = %q", body["session_id"])
	}

	resp = postJSON(t, ts, "/api/sessions/sess-1/close", map[string]string{"status": "completed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if svc.closed != "completed" {
		t.Errorf("closed with %q", svc.closed)
	}
}

func TestWriteMemoryEndpoint(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc)

	resp := postJSON(t, ts, "/api/memory/write", map[string]any{
		"user_id":    "u1",
		"session_id": "s1",
		"payload": map[string]any{
			"identity":  "u1",
			"timestamp": time.Now().Format(time.RFC3339),
			"agent":     "financing",
			"type":      "long_term",
			"content":   map[string]any{"note": "hello"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if len(svc.wrote) != 1 || svc.wrote[0].Agent != "financing" {
		t.Errorf("payload not forwarded: %+v", svc.wrote)
	}
}

func TestWriteMemoryValidationMapsTo400(t *testing.T) {
	svc := &fakeService{err: &memory.ValidationError{Field: "agent", Reason: "missing"}}
	ts := newTestServer(t, svc)

	resp := postJSON(t, ts, "/api/memory/write", map[string]any{"user_id": "u1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStoreOutageMapsTo503(t *testing.T) {
	svc := &fakeService{err: &memory.StoreUnavailableError{Store: "relational"}}
	ts := newTestServer(t, svc)

	resp := postJSON(t, ts, "/api/memory/recall", map[string]any{"user_id": "u1", "query": "q"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRecallEndpoint(t *testing.T) {
	svc := &fakeService{recalled: []memory.ScoredRecord{
		{Record: memory.Record{ID: 1, Content: `{"note":"x"}`}, Score: 0.9},
	}}
	ts := newTestServer(t, svc)

	resp := postJSON(t, ts, "/api/memory/recall", map[string]any{
		"user_id": "u1", "query": "x", "tags": []string{"finance"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Results []memory.ScoredRecord `json:"results"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Results) != 1 || body.Results[0].Score != 0.9 {
		t.Errorf("results = %+v", body.Results)
	}
}

func TestLoadContextEndpoint(t *testing.T) {
	svc := &fakeService{snapshot: &memory.ContextSnapshot{
		Session:      memory.Session{SessionID: "s1", Status: memory.SessionActive},
		RecentEvents: []memory.Record{{ID: 1}},
		Recalled:     []memory.ScoredRecord{},
		Degraded:     true,
	}}
	ts := newTestServer(t, svc)

	resp := postJSON(t, ts, "/api/memory/context", map[string]string{
		"user_id": "u1", "session_id": "s1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap memory.ContextSnapshot
	decodeJSON(t, resp, &snap)
	if !snap.Degraded || len(snap.RecentEvents) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestLogEventEndpoint(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(t, svc)

	resp := postJSON(t, ts, "/api/memory/events", map[string]any{
		"user_id": "u1", "event_type": "agent_started",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if len(svc.events) != 1 || svc.events[0] != "agent_started" {
		t.Errorf("events = %v", svc.events)
	}
}

func TestDecayEndpoint(t *testing.T) {
	svc := &fakeService{report: &memory.DecayReport{Scanned: 10, Decayed: 4, Retained: 6}}
	ts := newTestServer(t, svc)

	resp := postJSON(t, ts, "/api/memory/decay", map[string]any{
		"user_id": "u1", "older_than_days": 30,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var report memory.DecayReport
	decodeJSON(t, resp, &report)
	if report.Decayed != 4 {
		t.Errorf("report = %+v", report)
	}
}

func TestDecayRejectsNonPositiveWindow(t *testing.T) {
	ts := newTestServer(t, &fakeService{})

	resp := postJSON(t, ts, "/api/memory/decay", map[string]any{"user_id": "u1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}
