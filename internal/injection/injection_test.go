package injection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FranksOps/sqlisentinel/internal/finding"
	"github.com/FranksOps/sqlisentinel/internal/fingerprint"
	"github.com/FranksOps/sqlisentinel/internal/scraper"
	"github.com/FranksOps/sqlisentinel/internal/target"
)

func TestScoreFor(t *testing.T) {
	cases := []struct {
		technique string
		evidence  string
		want      float64
	}{
		{"union-confirmed", "columns=3", 10.0},
		{"error-based", "status=500 | prox=10", 8.8},
		{"boolean-blind", "rounds=3 diffs=3", 7.7},
		{"time-based", "delta=2.1s", 7.0},
	}

	for _, tc := range cases {
		got := scoreFor(tc.technique, tc.evidence)
		if got != tc.want {
			t.Errorf("scoreFor(%q, %q) = %v, want %v", tc.technique, tc.evidence, got, tc.want)
		}
	}
}

func TestScoreFor_ClampedToTen(t *testing.T) {
	got := scoreFor("union-confirmed", "columns=100 diffs=100 prox=1")
	if got > 10.0 {
		t.Errorf("expected score clamped to 10.0, got %v", got)
	}
}

func TestProximity(t *testing.T) {
	body := "prefix PAYLOAD123 some SQL error occurred here"
	got := proximity(body, "PAYLOAD123", strings.Index(body, "SQL error"))
	if got == "n/a" {
		t.Error("expected a numeric proximity, got n/a")
	}
}

func TestProximity_NotFound(t *testing.T) {
	got := proximity("nothing here", "missing-snippet", 0)
	if got != "n/a" {
		t.Errorf("expected n/a when payload snippet absent, got %s", got)
	}
}

func TestSeedValues_NoFuzz(t *testing.T) {
	tt := &targetTask{engine: &Engine{cfg: Config{ParamFuzz: false}}}
	seeds := tt.seedValues("original")
	if len(seeds) != 1 || seeds[0] != "original" {
		t.Errorf("expected only the original value without fuzzing, got %v", seeds)
	}
}

func TestSeedValues_Fuzz(t *testing.T) {
	tt := &targetTask{engine: &Engine{cfg: Config{ParamFuzz: true}}}
	seeds := tt.seedValues("original")
	if len(seeds) < 5 {
		t.Errorf("expected multiple fuzz seeds, got %d", len(seeds))
	}
	if seeds[0] != "original" {
		t.Errorf("expected original value to be the first seed, got %s", seeds[0])
	}
}

func newTestFetcher(t *testing.T) *scraper.Fetcher {
	t.Helper()
	f, err := scraper.NewFetcher(scraper.FetchConfig{
		Timeout:     5 * time.Second,
		Fingerprint: fingerprint.ProfileGo,
	})
	if err != nil {
		t.Fatalf("failed to create fetcher: %v", err)
	}
	return f
}

func TestEngine_ErrorBasedDetection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/item", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if strings.Contains(id, "'") {
			w.Write([]byte(`SQLSTATE[HY000]: General error: near "'": syntax error`))
			return
		}
		w.Write([]byte("OK"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	fetcher := newTestFetcher(t)
	store := finding.NewStore(nil, true)
	engine := NewEngine(Config{Concurrency: 1, BooleanRounds: 1, UnionMaxColumns: 1}, fetcher, store)

	tg := target.Target{Method: "GET", URL: ts.URL + "/item", Params: []target.Param{{Name: "id", Value: "1"}}}

	err := engine.Probe(context.Background(), []target.Target{tg})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := store.Snapshot()
	found := false
	for _, f := range snap {
		if f.Technique == "error-based" {
			found = true
		}
	}
	if !found {
		t.Error("expected an error-based finding to be recorded")
	}
}

func TestEngine_BooleanBlindDetection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/item", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if strings.Contains(id, "1=1") || strings.Contains(id, "'1'='1'") {
			w.Write([]byte(strings.Repeat("row data present in page output here today\n", 10)))
			return
		}
		w.Write([]byte("no results found"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	fetcher := newTestFetcher(t)
	store := finding.NewStore(nil, true)
	engine := NewEngine(Config{Concurrency: 1, BooleanRounds: 2, UnionMaxColumns: 1}, fetcher, store)

	tg := target.Target{Method: "GET", URL: ts.URL + "/item", Params: []target.Param{{Name: "id", Value: "1"}}}

	err := engine.Probe(context.Background(), []target.Target{tg})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := store.Snapshot()
	found := false
	for _, f := range snap {
		if f.Technique == "boolean-blind" {
			found = true
		}
	}
	if !found {
		t.Error("expected a boolean-blind finding to be recorded")
	}
}

func TestEngine_NoFalsePositiveOnStaticPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/item", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("static unchanging content regardless of input"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	fetcher := newTestFetcher(t)
	store := finding.NewStore(nil, true)
	engine := NewEngine(Config{Concurrency: 1, BooleanRounds: 1, UnionMaxColumns: 1}, fetcher, store)

	tg := target.Target{Method: "GET", URL: ts.URL + "/item", Params: []target.Param{{Name: "id", Value: "1"}}}

	err := engine.Probe(context.Background(), []target.Target{tg})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.Len() != 0 {
		t.Errorf("expected no findings against a static page, got %d", store.Len())
	}
}

func TestRoundIsNoise(t *testing.T) {
	clean := &scraper.FetchResult{StatusCode: 200, Body: []byte("hello")}
	if roundIsNoise(clean, clean) {
		t.Error("expected a clean pair of responses to not be noise")
	}

	challenge := &scraper.FetchResult{StatusCode: 403, Headers: map[string][]string{"Server": {"cloudflare"}}, Body: []byte("Checking your browser before accessing")}
	if !roundIsNoise(challenge, clean) {
		t.Error("expected a WAF challenge response to be treated as noise")
	}
}
