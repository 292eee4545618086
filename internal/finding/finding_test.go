package finding

import (
	"context"
	"testing"
)

func TestStore_RecordAndDedup(t *testing.T) {
	store := NewStore(nil, true)
	ctx := context.Background()

	c := Candidate{
		URL:       "http://example.com/item",
		Method:    "GET",
		Param:     "id",
		Technique: "error-based",
		Payload:   "'",
		Evidence:  "near \"'\": syntax error",
		Score:     8.6,
	}

	f1, inserted, err := store.Record(ctx, c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted {
		t.Fatal("expected first record to be inserted")
	}
	if f1.Risk != "High" {
		t.Errorf("expected High risk for error-based, got %s", f1.Risk)
	}
	if f1.DBMS != "SQLite" {
		t.Errorf("expected SQLite DBMS guess, got %s", f1.DBMS)
	}

	// Same (url, method, param, technique) with a different payload should
	// dedup away under noise grouping.
	c2 := c
	c2.Payload = `"`
	_, inserted2, err := store.Record(ctx, c2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted2 {
		t.Error("expected second record with same dedup key to be skipped")
	}

	if store.Len() != 1 {
		t.Errorf("expected 1 stored finding, got %d", store.Len())
	}
}

func TestStore_NoiseGroupingDisabled(t *testing.T) {
	store := NewStore(nil, false)
	ctx := context.Background()

	c := Candidate{
		URL:       "http://example.com/item",
		Method:    "GET",
		Param:     "id",
		Technique: "error-based",
		Payload:   "'",
	}
	c2 := c
	c2.Payload = `"`

	_, ins1, _ := store.Record(ctx, c)
	_, ins2, _ := store.Record(ctx, c2)

	if !ins1 || !ins2 {
		t.Error("expected both distinct payloads to be inserted when noise grouping is disabled")
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 stored findings, got %d", store.Len())
	}
}

func TestGuessDBMS(t *testing.T) {
	cases := []struct {
		technique string
		evidence  string
		want      string
	}{
		{"error-based", "SQLSTATE[HY000]: General error", "Unknown (PDO / SQLSTATE)"},
		{"error-based", `near "'": syntax error`, "SQLite"},
		{"error-based", "You have an error in your SQL syntax", "MySQL"},
		{"boolean-blind", "rounds=3 diffs=3", "Generic SQL injection"},
		{"time-based", "delta=2.10s", "Unknown"},
	}

	for _, tc := range cases {
		if got := guessDBMS(tc.technique, tc.evidence); got != tc.want {
			t.Errorf("guessDBMS(%q, %q) = %q, want %q", tc.technique, tc.evidence, got, tc.want)
		}
	}
}

func TestRiskFor(t *testing.T) {
	if riskFor("union-confirmed") != "Critical" {
		t.Error("expected union-confirmed to be Critical")
	}
	if riskFor("error-based") != "High" {
		t.Error("expected error-based to be High")
	}
	if riskFor("boolean-blind") != "Medium" {
		t.Error("expected boolean-blind to be Medium")
	}
	if riskFor("time-based") != "Medium" {
		t.Error("expected time-based to default to Medium")
	}
}

func TestStore_Snapshot(t *testing.T) {
	store := NewStore(nil, true)
	ctx := context.Background()

	store.Record(ctx, Candidate{URL: "http://example.com/a", Method: "GET", Param: "id", Technique: "error-based"})
	store.Record(ctx, Candidate{URL: "http://example.com/b", Method: "GET", Param: "id", Technique: "boolean-blind"})

	snap := store.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 findings in snapshot, got %d", len(snap))
	}
	if snap[0].URL != "http://example.com/a" || snap[1].URL != "http://example.com/b" {
		t.Errorf("expected snapshot to preserve discovery order, got %+v", snap)
	}
}
