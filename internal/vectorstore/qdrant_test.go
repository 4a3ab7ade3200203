package vectorstore

import (
	"testing"
)

func TestScopeFilterANDSemantics(t *testing.T) {
	f := scopeFilter("u1", []string{"finance", "goal"})

	if len(f.Must) != 3 {
		t.Fatalf("expected 3 must conditions (user + 2 tags), got %d", len(f.Must))
	}
	if got := f.Must[0].GetField().GetKey(); got != "user_id" {
		t.Errorf("first condition key = %q, want user_id", got)
	}
	if got := f.Must[0].GetField().GetMatch().GetKeyword(); got != "u1" {
		t.Errorf("user condition keyword = %q, want u1", got)
	}
	for i, want := range []string{"finance", "goal"} {
		cond := f.Must[i+1].GetField()
		if cond.GetKey() != "tags" {
			t.Errorf("tag condition %d key = %q, want tags", i, cond.GetKey())
		}
		if cond.GetMatch().GetKeyword() != want {
			t.Errorf("tag condition %d keyword = %q, want %q", i, cond.GetMatch().GetKeyword(), want)
		}
	}
}

func TestScopeFilterNoTags(t *testing.T) {
	f := scopeFilter("u1", nil)
	if len(f.Must) != 1 {
		t.Fatalf("expected only the user scope condition, got %d", len(f.Must))
	}
}

func TestRowFilter(t *testing.T) {
	f := rowFilter(42)
	if len(f.Must) != 1 {
		t.Fatalf("expected 1 condition, got %d", len(f.Must))
	}
	cond := f.Must[0].GetField()
	if cond.GetKey() != "row_id" {
		t.Errorf("key = %q, want row_id", cond.GetKey())
	}
	if cond.GetMatch().GetInteger() != 42 {
		t.Errorf("integer match = %d, want 42", cond.GetMatch().GetInteger())
	}
}

func TestMetaRoundTrip(t *testing.T) {
	in := PointMeta{
		RowID:     7,
		UserID:    "u1",
		SessionID: "s1",
		AgentName: "financing",
		Tags:      []string{"x", "y"},
	}
	out := decodeMeta(encodeMeta(in))

	if out.RowID != in.RowID || out.UserID != in.UserID ||
		out.SessionID != in.SessionID || out.AgentName != in.AgentName {
		t.Errorf("meta mismatch: got %+v, want %+v", out, in)
	}
	if len(out.Tags) != 2 || out.Tags[0] != "x" || out.Tags[1] != "y" {
		t.Errorf("tags mismatch: got %v", out.Tags)
	}
}

func TestDecodeMetaMissingFields(t *testing.T) {
	out := decodeMeta(nil)
	if out.RowID != 0 || out.UserID != "" || len(out.Tags) != 0 {
		t.Errorf("expected zero meta for nil payload, got %+v", out)
	}
}
