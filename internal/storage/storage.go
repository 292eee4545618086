package storage

import (
	"context"
	"time"
)

// Finding represents a single accepted SQL-injection detection, tied to a
// target URL/method/parameter and the technique that produced it.
type Finding struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Method     string    `json:"type"`
	Param      string    `json:"param"`
	Technique  string    `json:"technique"` // "error-based", "boolean-blind", "time-based", "union-confirmed"
	Payload    string    `json:"payload"`
	Evidence   string    `json:"evidence"`
	Risk       string    `json:"risk"` // "Critical", "High", "Medium", "Low"
	Score      float64   `json:"score"`
	FixSnippet string    `json:"fix_snippet"`
	Columns    int       `json:"columns,omitempty"`  // set for union-confirmed findings, 0 otherwise
	DBMS       string    `json:"dbms,omitempty"`     // enrichment, e.g. "MySQL", "SQLite"
	Solution   string    `json:"solution,omitempty"` // enrichment, remediation guidance
	CreatedAt  time.Time `json:"created_at"`
}

// Filter allows querying for specific Findings.
type Filter struct {
	URL       string
	Technique string
	Risk      string
	Since     *time.Time
	Limit     int
	Offset    int
}

// Backend defines the interface for storing and querying findings.
type Backend interface {
	Save(ctx context.Context, f *Finding) error
	Query(ctx context.Context, filter Filter) ([]*Finding, error)
	Close() error
}
