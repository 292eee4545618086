// Package scanner is the top-level orchestrator: it wires the crawler,
// target registry, injection engine, and finding store together into a
// single scan run, and handles result export.
package scanner

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/FranksOps/sqlisentinel/internal/finding"
	"github.com/FranksOps/sqlisentinel/internal/fingerprint"
	"github.com/FranksOps/sqlisentinel/internal/injection"
	"github.com/FranksOps/sqlisentinel/internal/scraper"
	"github.com/FranksOps/sqlisentinel/internal/storage"
	"github.com/FranksOps/sqlisentinel/internal/storage/csvbackend"
	"github.com/FranksOps/sqlisentinel/internal/storage/jsonbackend"
	"github.com/FranksOps/sqlisentinel/internal/storage/postgres"
	"github.com/FranksOps/sqlisentinel/internal/storage/sqlite"
	"github.com/FranksOps/sqlisentinel/internal/target"
	"github.com/FranksOps/sqlisentinel/pkg/proxy"
	"github.com/FranksOps/sqlisentinel/pkg/useragent"
)

// StorageKind selects the Finding Store's persistence backend.
type StorageKind string

const (
	StorageMemory   StorageKind = "memory"
	StorageJSON     StorageKind = "json"
	StorageCSV      StorageKind = "csv"
	StorageSQLite   StorageKind = "sqlite"
	StoragePostgres StorageKind = "postgres"
)

// Options configures a single scan run. Zero-valued numeric and string
// fields take the spec.md §6.1 defaults (see withDefaults); boolean fields
// are used as given, so RespectRobots and NoiseGrouping are off unless the
// caller sets them. The FingerprintProfile/ProxyPoolFile/SitemapSeed/
// MetricsAddr/Storage* fields are ambient/domain additions (SPEC_FULL.md
// §6.1 supplement).
type Options struct {
	StartURL        string
	MaxDepth        int
	Concurrency     int
	Delay           time.Duration
	Timeout         time.Duration
	MaxRetries      int
	BackoffBase     float64
	RespectRobots   bool
	UserAgent       string
	BooleanRounds   int
	UnionMaxColumns int
	NoiseGrouping   bool
	TimeBased       bool
	TimeThreshold   time.Duration
	ParamFuzz       bool
	Verbose         bool
	Quiet           bool

	FingerprintProfile fingerprint.Profile
	ProxyPoolFile      string
	SitemapSeed        bool
	MetricsAddr        string

	StorageKind StorageKind
	StoragePath string
	StorageDSN  string

	OutputPrefix string // defaults to "scan"
}

// withDefaults returns a copy of o with spec.md §6.1 defaults applied to
// its zero-valued numeric and string fields; boolean fields are unchanged.
func (o Options) withDefaults() Options {
	if o.MaxDepth == 0 {
		o.MaxDepth = 2
	}
	if o.Concurrency == 0 {
		o.Concurrency = 5
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.UserAgent == "" {
		o.UserAgent = useragent.DefaultPool[0]
	}
	if o.Delay == 0 {
		o.Delay = 300 * time.Millisecond
	}
	if o.Timeout == 0 {
		o.Timeout = 10 * time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = 0.4
	}
	if o.BooleanRounds == 0 {
		o.BooleanRounds = 3
	}
	if o.UnionMaxColumns == 0 {
		o.UnionMaxColumns = 6
	}
	if o.TimeThreshold == 0 {
		o.TimeThreshold = 2 * time.Second
	}
	if string(o.FingerprintProfile) == "" {
		o.FingerprintProfile = fingerprint.ProfileGo
	}
	if o.StorageKind == "" {
		o.StorageKind = StorageMemory
	}
	if o.OutputPrefix == "" {
		o.OutputPrefix = "scan"
	}
	return o
}

// ValidateSeed parses StartURL, returning an error if it is not an
// absolute http(s) URL.
func ValidateSeed(startURL string) (*url.URL, error) {
	u, err := url.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("scanner: invalid seed %q: %w", startURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scanner: seed %q must be http or https", startURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("scanner: seed %q is missing a host", startURL)
	}
	return u, nil
}

// Phase identifies which stage of a scan is currently running, for the
// control surface's status reporting.
type Phase int

const (
	PhaseCrawling Phase = iota
	PhaseProbing
	PhaseExporting
)

// ProgressFunc is called whenever the scan transitions to a new Phase.
type ProgressFunc func(Phase)

// Scanner runs one scan end to end: crawl, discover targets, probe,
// export.
type Scanner struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Scanner for a single Run call.
func New(opts Options, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{opts: opts.withDefaults(), logger: logger}
}

// Run executes the crawl, target discovery, and injection phases in
// order, then exports results, returning the findings discovered.
// progress, if non-nil, is notified of phase transitions.
func (s *Scanner) Run(ctx context.Context, progress ProgressFunc) ([]*storage.Finding, error) {
	seed, err := ValidateSeed(s.opts.StartURL)
	if err != nil {
		return nil, err
	}

	backend, err := s.openBackend(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanner: open storage: %w", err)
	}
	if backend != nil {
		defer backend.Close()
	}

	var proxyPool *proxy.Pool
	if s.opts.ProxyPoolFile != "" {
		proxyPool = proxy.NewPool(proxy.Config{})
		if err := proxyPool.LoadFile(s.opts.ProxyPoolFile); err != nil {
			return nil, fmt.Errorf("scanner: load proxy pool: %w", err)
		}
	}

	fetcher, err := scraper.NewFetcher(scraper.FetchConfig{
		Timeout:     s.opts.Timeout,
		Fingerprint: s.opts.FingerprintProfile,
		MaxRetries:  s.opts.MaxRetries,
		BackoffBase: s.opts.BackoffBase,
		UserAgent:   s.opts.UserAgent,
		ProxyPool:   proxyPool,
	})
	if err != nil {
		return nil, fmt.Errorf("scanner: create fetcher: %w", err)
	}

	crawler := scraper.NewCrawler(scraper.CrawlConfig{
		MaxDepth: s.opts.MaxDepth,
		// The crawl is a single BFS worker; Concurrency bounds probing only.
		Concurrency:       1,
		Domains:           []string{seed.Hostname()},
		RespectRobots:     s.opts.RespectRobots,
		UserAgent:         s.opts.UserAgent,
		RequestsPerSecond: 1.0 / s.opts.Delay.Seconds(),
	}, fetcher, s.logger)

	seeds := []string{s.opts.StartURL}
	if s.opts.SitemapSeed {
		sf := scraper.NewSitemapFetcher(fetcher, s.logger)
		sitemapURL := seed.Scheme + "://" + seed.Host + "/sitemap.xml"
		urls, sitemapErr := sf.FetchSitemap(ctx, sitemapURL)
		if sitemapErr != nil {
			s.logger.Warn("sitemap seed failed, continuing with direct seed only", "err", sitemapErr)
		} else {
			seeds = append(seeds, urls...)
		}
	}

	if err := crawler.Run(ctx, seeds); err != nil {
		return nil, fmt.Errorf("scanner: crawl: %w", err)
	}

	if progress != nil {
		progress(PhaseProbing)
	}

	targets := target.Discover(crawler.Links(), crawler.Forms())
	s.logger.Info("targets discovered", "count", len(targets))

	store := finding.NewStore(backend, s.opts.NoiseGrouping)
	engine := injection.NewEngine(injection.Config{
		Concurrency:     s.opts.Concurrency,
		BooleanRounds:   s.opts.BooleanRounds,
		UnionMaxColumns: s.opts.UnionMaxColumns,
		NoiseGrouping:   s.opts.NoiseGrouping,
		TimeBased:       s.opts.TimeBased,
		TimeThreshold:   s.opts.TimeThreshold.Seconds(),
		ParamFuzz:       s.opts.ParamFuzz,
	}, fetcher, store)

	if err := engine.Probe(ctx, targets); err != nil {
		return nil, fmt.Errorf("scanner: probe: %w", err)
	}

	if progress != nil {
		progress(PhaseExporting)
	}

	findings := store.Snapshot()
	if err := s.export(findings); err != nil {
		// Export errors are fatal for that path only; logged, not returned.
		s.logger.Error("export failed", "err", err)
	}

	return findings, nil
}

// openBackend constructs the persistence backend named by
// Options.StorageKind. StoragePath feeds the flat-file backends (json,
// csv); StorageDSN feeds the database backends (sqlite, postgres).
func (s *Scanner) openBackend(ctx context.Context) (storage.Backend, error) {
	switch s.opts.StorageKind {
	case "", StorageMemory:
		return nil, nil
	case StorageJSON:
		return jsonbackend.New(s.opts.StoragePath)
	case StorageCSV:
		return csvbackend.New(s.opts.StoragePath)
	case StorageSQLite:
		return sqlite.New(s.opts.StorageDSN)
	case StoragePostgres:
		return postgres.New(ctx, s.opts.StorageDSN)
	default:
		return nil, fmt.Errorf("scanner: unknown storage kind %q", s.opts.StorageKind)
	}
}

// export writes the JSON (mirrored to latest_scan.json) and CSV result
// files named by the scan's Unix timestamp.
func (s *Scanner) export(findings []*storage.Finding) error {
	ts := time.Now().Unix()
	jsonPath := fmt.Sprintf("%s_%d.json", s.opts.OutputPrefix, ts)
	csvPath := fmt.Sprintf("%s_%d.csv", s.opts.OutputPrefix, ts)

	// Each path is attempted even if an earlier one failed.
	var errs []error
	if err := writeJSON(jsonPath, findings); err != nil {
		errs = append(errs, fmt.Errorf("write %s: %w", jsonPath, err))
	}
	if err := writeJSON("latest_scan.json", findings); err != nil {
		errs = append(errs, fmt.Errorf("write latest_scan.json: %w", err))
	}
	if err := writeCSV(csvPath, findings); err != nil {
		errs = append(errs, fmt.Errorf("write %s: %w", csvPath, err))
	}

	return errors.Join(errs...)
}

func writeJSON(path string, findings []*storage.Finding) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(findings)
}

func writeCSV(path string, findings []*storage.Finding) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"url", "type", "param", "technique", "risk", "score", "payload", "evidence", "fix_snippet"}
	if err := w.Write(header); err != nil {
		return err
	}

	for _, finding := range findings {
		record := []string{
			finding.URL,
			finding.Method,
			finding.Param,
			finding.Technique,
			finding.Risk,
			strconv.FormatFloat(finding.Score, 'f', 1, 64),
			finding.Payload,
			finding.Evidence,
			finding.FixSnippet,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	return w.Error()
}
