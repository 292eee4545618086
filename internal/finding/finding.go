// Package finding owns the in-scan Finding Store: insert-if-absent
// de-duplication, DBMS-guess and remediation-hint enrichment, and
// persistence through a pluggable storage.Backend.
package finding

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/FranksOps/sqlisentinel/internal/storage"
	"github.com/google/uuid"
)

var (
	sqlstateRe = regexp.MustCompile(`(?i)SQLSTATE\[`)
	sqliteRe   = regexp.MustCompile(`(?i)near ".*": syntax error|no such column|unrecognized token|unterminated (?:quoted )?string`)
	mysqlRe    = regexp.MustCompile(`(?i)You have an error in your SQL syntax|mysql_`)
)

// guessDBMS classifies the evidence string into a best-effort DBMS guess,
// in priority order: PDO/SQLSTATE, SQLite token, MySQL token, boolean-only
// (no DB-specific signature), else unknown.
func guessDBMS(technique, evidence string) string {
	switch {
	case sqlstateRe.MatchString(evidence):
		return "Unknown (PDO / SQLSTATE)"
	case sqliteRe.MatchString(evidence):
		return "SQLite"
	case mysqlRe.MatchString(evidence):
		return "MySQL"
	case strings.Contains(strings.ToLower(technique), "boolean"):
		return "Generic SQL injection"
	default:
		return "Unknown"
	}
}

// guessSolution picks a remediation hint by technique family.
func guessSolution(technique string) string {
	tech := strings.ToLower(technique)
	switch {
	case strings.Contains(tech, "error"):
		return "Use prepared statements/parameterized queries. Do not concatenate input. " +
			"Validate inputs. Disable detailed DB errors in production; log server-side."
	case strings.Contains(tech, "boolean"):
		return "Use parameterized queries and strict input validation (whitelists). " +
			"Apply least-privilege DB accounts and normalize responses for invalid conditions."
	case strings.Contains(tech, "union"):
		return "Use bound parameters; cast/validate inputs to expected types. Restrict selectable columns."
	default:
		return "Use parameterized queries and input validation; avoid string concatenation."
	}
}

func riskFor(technique string) string {
	tech := strings.ToLower(technique)
	switch {
	case strings.Contains(tech, "union-confirmed"):
		return "Critical"
	case strings.Contains(tech, "error"):
		return "High"
	default:
		return "Medium"
	}
}

func fixSnippet(param string) string {
	return fmt.Sprintf(
		"// PHP PDO example\n$stmt = $pdo->prepare('SELECT * FROM table WHERE %s = ?');\n$stmt->execute([$value]);\n$row = $stmt->fetch();\n",
		param,
	)
}

// Candidate is the raw material the injection engine hands to Store.Record
// before risk/score/DBMS/remediation enrichment.
type Candidate struct {
	URL       string
	Method    string
	Param     string
	Technique string
	Payload   string
	Evidence  string
	Score     float64
	Columns   int
}

// Store accumulates Findings for a single scan, de-duplicating by
// (url, method, param, technique) when NoiseGrouping is set, else also
// including the payload in the dedup key. Discovery order is preserved.
// Writes are serialized by mu; Snapshot returns a consistent copy under
// the same lock, so concurrent readers never observe a partial insert.
type Store struct {
	mu            sync.Mutex
	noiseGrouping bool
	backend       storage.Backend
	seen          map[string]struct{}
	ordered       []*storage.Finding
}

// NewStore creates a Store backed by the given storage.Backend. If
// backend is nil, findings are only held in memory (Snapshot/Len still
// work; Record simply skips persistence).
func NewStore(backend storage.Backend, noiseGrouping bool) *Store {
	return &Store{
		noiseGrouping: noiseGrouping,
		backend:       backend,
		seen:          make(map[string]struct{}),
	}
}

func (s *Store) dedupKey(c Candidate) string {
	if s.noiseGrouping {
		return c.URL + "|" + c.Method + "|" + c.Param + "|" + c.Technique
	}
	return c.URL + "|" + c.Method + "|" + c.Param + "|" + c.Technique + "|" + c.Payload
}

// Record enriches and inserts a Candidate if its dedup key has not been
// seen before in this scan. Returns the inserted Finding and true, or
// (nil, false) if it was a duplicate.
func (s *Store) Record(ctx context.Context, c Candidate) (*storage.Finding, bool, error) {
	s.mu.Lock()
	key := s.dedupKey(c)
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		return nil, false, nil
	}
	s.seen[key] = struct{}{}

	f := &storage.Finding{
		ID:         uuid.NewString(),
		URL:        c.URL,
		Method:     c.Method,
		Param:      c.Param,
		Technique:  c.Technique,
		Payload:    c.Payload,
		Evidence:   c.Evidence,
		Risk:       riskFor(c.Technique),
		Score:      c.Score,
		FixSnippet: fixSnippet(c.Param),
		Columns:    c.Columns,
		DBMS:       guessDBMS(c.Technique, c.Evidence),
		Solution:   guessSolution(c.Technique),
		CreatedAt:  time.Now(),
	}

	s.ordered = append(s.ordered, f)
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.Save(ctx, f); err != nil {
			return f, true, fmt.Errorf("finding: save: %w", err)
		}
	}

	return f, true, nil
}

// Snapshot returns a copy of every Finding recorded so far, in discovery
// order.
func (s *Store) Snapshot() []*storage.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.Finding, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len reports how many distinct findings have been recorded.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ordered)
}
