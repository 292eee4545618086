package scraper

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/FranksOps/sqlisentinel/pkg/ratelimit"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
)

// FormTarget is a `<form>` discovered while crawling: method, absolute
// action URL, and the default-populated input values.
type FormTarget struct {
	Method string
	Action string
	Inputs []Param
}

// CrawlConfig provides parameters for the BFS crawler.
type CrawlConfig struct {
	MaxDepth    int
	Concurrency int
	// In-scope domains, ensures we don't crawl the whole internet
	Domains []string
	// RespectRobots specifies whether to check robots.txt before fetching
	RespectRobots bool
	// UserAgent is the User-Agent string to use when checking robots.txt
	UserAgent string
	// RequestsPerSecond limits the fetch rate (0 = unlimited)
	RequestsPerSecond float64
	// Jitter applies randomness to the rate limiter (0.0 to 1.0)
	Jitter float64
	// QueueSize limits the depth of the internal BFS queue (0 = default 10000)
	QueueSize int
}

// Crawler coordinates the crawling of web pages starting from seeds.
type Crawler struct {
	cfg     CrawlConfig
	fetcher *Fetcher
	logger  *slog.Logger
	policy  *Policy
	limiter *ratelimit.Limiter

	// Track visited URLs to prevent loops
	visitedMu sync.RWMutex
	visited   map[string]struct{}

	// Discovered links/forms, collected across the crawl for the Target Registry.
	resultsMu  sync.Mutex
	linkURLs   []string
	formTargets []FormTarget
}

type job struct {
	URL   string
	Depth int
}

// NewCrawler creates a new BFS crawler.
func NewCrawler(cfg CrawlConfig, fetcher *Fetcher, logger *slog.Logger) *Crawler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "*" // default generic user-agent for robots.txt
	}

	var policy *Policy
	if cfg.RespectRobots {
		policy = NewPolicy(fetcher, logger)
	}

	return &Crawler{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger,
		policy:  policy,
		limiter: ratelimit.NewLimiter(cfg.RequestsPerSecond, cfg.Jitter),
		visited: make(map[string]struct{}),
	}
}

// Run starts the BFS crawl starting from the provided seed URLs.
func (c *Crawler) Run(ctx context.Context, seeds []string) error {
	defer c.limiter.Stop()

	queueSize := c.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 10000 // default buffer size
	}
	queue := make(chan job, queueSize)

	// Add seeds
	for _, seed := range seeds {
		if c.shouldVisit(seed) {
			c.markVisited(seed)
			queue <- job{URL: seed, Depth: 0}
		}
	}

	// We use an errgroup to manage concurrent workers
	g, gCtx := errgroup.WithContext(ctx)

	// A waitgroup just for tracking when all current queue items are processed,
	// allowing us to know when the crawl is truly idle/done.
	// Note: new jobs discovered during processing also increment the WaitGroup (wg.Add(1))
	// before being sent to the queue. This pattern ensures we wait for both seed links
	// and dynamically discovered links.
	var jobsWg sync.WaitGroup
	jobsWg.Add(len(queue))

	for i := 0; i < c.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gCtx.Done():
					return gCtx.Err()
				case j := <-queue:
					c.processJob(gCtx, j, queue, &jobsWg)
					jobsWg.Done()
				}
			}
		})
	}

	// Wait for all jobs to complete in a separate goroutine
	done := make(chan struct{})
	go func() {
		jobsWg.Wait()
		close(done)
	}()

	select {
	case <-gCtx.Done():
		return gCtx.Err()
	case <-done:
		// all jobs finished
	}

	return nil
}

// Links returns every visited URL that carried a non-empty query string,
// which the Target Registry (C4) converts into GET targets.
func (c *Crawler) Links() []string {
	c.resultsMu.Lock()
	defer c.resultsMu.Unlock()
	out := make([]string, len(c.linkURLs))
	copy(out, c.linkURLs)
	return out
}

// Forms returns every `<form>` discovered during the crawl.
func (c *Crawler) Forms() []FormTarget {
	c.resultsMu.Lock()
	defer c.resultsMu.Unlock()
	out := make([]FormTarget, len(c.formTargets))
	copy(out, c.formTargets)
	return out
}

func (c *Crawler) processJob(ctx context.Context, j job, queue chan<- job, wg *sync.WaitGroup) {
	if c.cfg.RespectRobots && c.policy != nil {
		allowed, err := c.policy.IsAllowed(ctx, j.URL, c.cfg.UserAgent)
		if err != nil {
			c.logger.Warn("error checking robots.txt", "url", j.URL, "err", err)
			// fail open: a robots.txt lookup error does not block the crawl
		} else if !allowed {
			c.logger.Debug("url blocked by robots.txt", "url", j.URL)
			return
		}
	}

	c.logger.Debug("fetching", "url", j.URL, "depth", j.Depth)

	// Apply rate limit before fetching (politeness delay between requests)
	if err := c.limiter.Wait(ctx); err != nil {
		c.logger.Error("rate limiter cancelled", "url", j.URL, "err", err)
		return
	}

	result, err := c.fetcher.Fetch(ctx, http.MethodGet, j.URL, nil)
	if err != nil {
		c.logger.Error("fetch error", "url", j.URL, "err", err)
		return
	}

	c.resultsMu.Lock()
	if u, parseErr := url.Parse(j.URL); parseErr == nil && u.RawQuery != "" {
		c.linkURLs = append(c.linkURLs, j.URL)
	}
	c.resultsMu.Unlock()

	// If we hit depth limit or failed, do not extract links
	if j.Depth >= c.cfg.MaxDepth || result == nil || result.Error != "" {
		return
	}

	// An empty body has no links or forms; any non-empty body is parsed as
	// HTML (goquery tolerates non-HTML input and simply finds nothing).
	if len(result.Body) == 0 {
		return
	}

	links, forms := c.extractLinksForms(j.URL, result.Body)

	if len(forms) > 0 {
		c.resultsMu.Lock()
		c.formTargets = append(c.formTargets, forms...)
		c.resultsMu.Unlock()
	}

	// Forms' actions are also enqueued for crawling (the original crawler's
	// behavior, preserved here — the visited set provides cycle protection).
	for _, form := range forms {
		links = append(links, form.Action)
	}

	for _, link := range links {
		if c.shouldVisit(link) {
			c.markVisited(link)
			wg.Add(1)
			select {
			case queue <- job{URL: link, Depth: j.Depth + 1}:
			case <-ctx.Done():
				wg.Done() // Context cancelled, give up
			default:
				// Queue full: drop the job rather than block the worker that
				// also drains the queue.
				wg.Done()
				c.logger.Warn("crawl queue full, dropping job", "url", link)
			}
		}
	}
}

func (c *Crawler) shouldVisit(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	// Normalize
	u.Fragment = ""
	normalized := u.String()

	c.visitedMu.RLock()
	_, seen := c.visited[normalized]
	c.visitedMu.RUnlock()

	if seen {
		return false
	}

	// Check domain scope
	if len(c.cfg.Domains) > 0 {
		inScope := false
		host := u.Hostname() // case-sensitive host match per spec
		for _, domain := range c.cfg.Domains {
			if host == domain {
				inScope = true
				break
			}
		}
		if !inScope {
			return false
		}
	}

	// Only HTTP/HTTPS
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	return true
}

func (c *Crawler) markVisited(rawURL string) {
	u, err := url.Parse(rawURL)
	if err == nil {
		u.Fragment = ""
		rawURL = u.String()
	}

	c.visitedMu.Lock()
	c.visited[rawURL] = struct{}{}
	c.visitedMu.Unlock()
}

// extractLinksForms parses the page body for `<a href>` links (resolved,
// same-host only, javascript:/mailto: skipped) and `<form>` targets.
func (c *Crawler) extractLinksForms(baseURL string, body []byte) ([]string, []FormTarget) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil
	}

	var links []string
	doc.Find("a[href]").Each(func(i int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists {
			return
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "javascript:") ||
			strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "mailto:") {
			return
		}

		u, err := url.Parse(href)
		if err != nil {
			return
		}

		resolved := base.ResolveReference(u)
		if resolved.Hostname() != base.Hostname() {
			return
		}
		resolved.Fragment = ""
		links = append(links, resolved.String())
	})

	var forms []FormTarget
	doc.Find("form").Each(func(i int, s *goquery.Selection) {
		method := strings.ToUpper(strings.TrimSpace(s.AttrOr("method", "GET")))
		if method != "POST" {
			method = "GET"
		}

		action := s.AttrOr("action", baseURL)
		actionURL, err := url.Parse(action)
		if err != nil {
			return
		}
		resolvedAction := base.ResolveReference(actionURL)
		resolvedAction.Fragment = ""

		var inputs []Param
		s.Find("input[name], textarea[name], select[name]").Each(func(j int, field *goquery.Selection) {
			name, ok := field.Attr("name")
			if !ok || name == "" {
				return
			}
			inputs = append(inputs, Param{Name: name, Value: "test"})
		})

		forms = append(forms, FormTarget{
			Method: method,
			Action: resolvedAction.String(),
			Inputs: inputs,
		})
	})

	return links, forms
}
