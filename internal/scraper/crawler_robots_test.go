package scraper

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FranksOps/sqlisentinel/internal/fingerprint"
)

func TestCrawler_RobotsTxt(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /blocked\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/allowed">Allowed</a><a href="/blocked">Blocked</a></body></html>`))
	})
	mux.HandleFunc("/allowed", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/blocked", func(w http.ResponseWriter, r *http.Request) {
		t.Error("requested /blocked but should be forbidden by robots.txt")
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	// Hostname without port, as shouldVisit compares u.Hostname()
	tsHost := strings.Split(strings.TrimPrefix(ts.URL, "http://"), ":")[0]

	cfg := CrawlConfig{
		MaxDepth:      1,
		Concurrency:   1,
		Domains:       []string{tsHost},
		RespectRobots: true,
		UserAgent:     "TestBot",
	}

	fetcher, _ := NewFetcher(FetchConfig{
		Timeout:     5 * time.Second,
		Fingerprint: fingerprint.ProfileGo,
	})

	crawler := NewCrawler(cfg, fetcher, slog.Default())
	ctx := context.Background()

	err := crawler.Run(ctx, []string{ts.URL + "/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The mux handler for /blocked calls t.Error if it's ever requested,
	// which is the actual assertion here: robots.txt disallows /blocked
	// so the crawler must never fetch it even though it's linked and in scope.
}
