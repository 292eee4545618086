package csvbackend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/FranksOps/sqlisentinel/internal/storage"
)

func TestCSVBackend(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "findings.csv")

	b, err := New(filePath)
	if err != nil {
		t.Fatalf("Failed to create CSV backend: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond) // Format truncates precision

	f1 := &storage.Finding{
		ID:        "csv1",
		URL:       "http://example.com/csv1?id=1",
		Method:    "GET",
		Param:     "id",
		Technique: "error-based",
		Payload:   "'",
		Evidence:  "you have an error in your sql syntax",
		Risk:      "High",
		Score:     8.6,
		DBMS:      "MySQL",
		CreatedAt: now.Add(-2 * time.Hour),
	}

	f2 := &storage.Finding{
		ID:         "csv2",
		URL:        "http://example.com/csv2?id=1",
		Method:     "GET",
		Param:      "id",
		Technique:  "union-confirmed",
		Payload:    "' UNION SELECT NULL,NULL,NULL--",
		Evidence:   "marker value reflected in response body",
		Risk:       "Critical",
		Score:      9.8,
		Columns:    3,
		DBMS:       "PostgreSQL",
		Solution:   "Use parameterized queries.",
		FixSnippet: "db.Query(\"... WHERE id = $1\", id)",
		CreatedAt:  now.Add(-1 * time.Hour),
	}

	err = b.Save(ctx, f1)
	if err != nil {
		t.Fatalf("Failed to save finding 1: %v", err)
	}
	err = b.Save(ctx, f2)
	if err != nil {
		t.Fatalf("Failed to save finding 2: %v", err)
	}

	// Test URL Filter
	filterURL := storage.Filter{URL: "http://example.com/csv2?id=1"}
	resultsURL, err := b.Query(ctx, filterURL)
	if err != nil {
		t.Fatalf("Failed to query by URL: %v", err)
	}
	if len(resultsURL) != 1 {
		t.Fatalf("Expected 1 result for URL filter, got %d", len(resultsURL))
	}
	if resultsURL[0].ID != "csv2" {
		t.Errorf("Expected ID csv2, got %s", resultsURL[0].ID)
	}

	// Test Technique Filter
	filterTechnique := storage.Filter{Technique: "union-confirmed"}
	resultsTechnique, err := b.Query(ctx, filterTechnique)
	if err != nil {
		t.Fatalf("Failed to query by Technique: %v", err)
	}
	if len(resultsTechnique) != 1 {
		t.Fatalf("Expected 1 result for Technique filter, got %d", len(resultsTechnique))
	}
	if resultsTechnique[0].Columns != 3 {
		t.Errorf("Expected Columns 3, got %d", resultsTechnique[0].Columns)
	}

	// Test Risk Filter
	filterRisk := storage.Filter{Risk: "High"}
	resultsRisk, err := b.Query(ctx, filterRisk)
	if err != nil {
		t.Fatalf("Failed to query by Risk: %v", err)
	}
	if len(resultsRisk) != 1 {
		t.Fatalf("Expected 1 result for Risk filter, got %d", len(resultsRisk))
	}

	// Test Since Filter
	past := now.Add(-90 * time.Minute)
	filterSince := storage.Filter{Since: &past}
	resultsSince, err := b.Query(ctx, filterSince)
	if err != nil {
		t.Fatalf("Failed to query by Since: %v", err)
	}
	if len(resultsSince) != 1 {
		t.Fatalf("Expected 1 result for Since filter, got %d", len(resultsSince))
	}
	if resultsSince[0].ID != "csv2" {
		t.Errorf("Expected ID csv2, got %s", resultsSince[0].ID)
	}

	// Test no filters, ordering
	resultsAll, err := b.Query(ctx, storage.Filter{})
	if err != nil {
		t.Fatalf("Failed to query all: %v", err)
	}
	if len(resultsAll) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(resultsAll))
	}
	// Order should be descending (newest first)
	if resultsAll[0].ID != "csv2" {
		t.Errorf("Expected csv2 first, got %s", resultsAll[0].ID)
	}

	// Test round-trip of enrichment fields
	if resultsAll[0].DBMS != "PostgreSQL" {
		t.Errorf("Expected DBMS PostgreSQL, got %s", resultsAll[0].DBMS)
	}
	if resultsAll[0].Solution != "Use parameterized queries." {
		t.Errorf("Expected solution text roundtrip, got %s", resultsAll[0].Solution)
	}

	// Test limit
	resultsLimit, err := b.Query(ctx, storage.Filter{Limit: 1})
	if err != nil {
		t.Fatalf("Failed to query limit: %v", err)
	}
	if len(resultsLimit) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(resultsLimit))
	}

	// Test offset
	resultsOffset, err := b.Query(ctx, storage.Filter{Offset: 1})
	if err != nil {
		t.Fatalf("Failed to query offset: %v", err)
	}
	if len(resultsOffset) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(resultsOffset))
	}
	if resultsOffset[0].ID != "csv1" {
		t.Errorf("Expected csv1 for offset 1, got %s", resultsOffset[0].ID)
	}
}
