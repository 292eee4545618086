package scraper

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/FranksOps/sqlisentinel/internal/bypass"
	"github.com/FranksOps/sqlisentinel/internal/fingerprint"
	"github.com/FranksOps/sqlisentinel/internal/metrics"
	"github.com/FranksOps/sqlisentinel/pkg/httpclient"
	"github.com/FranksOps/sqlisentinel/pkg/proxy"
	"github.com/FranksOps/sqlisentinel/pkg/ratelimit"
	"github.com/FranksOps/sqlisentinel/pkg/useragent"
	"github.com/google/uuid"
)

type contextKey string

const proxyKey contextKey = "proxy_url"

// FetchResult captures the outcome of a single HTTP request, including
// whatever WAF/bot-challenge signature (if any) was detected in the
// response — set by doFetch via bypass.Analyze on every completed request.
type FetchResult struct {
	ID           string
	URL          string
	Method       string
	StatusCode   int
	Headers      map[string][]string
	Body         []byte
	Duration     time.Duration
	Challenged   bool
	ChallengeSrc string
	CreatedAt    time.Time
	Error        string
	Attempts     int
}

// FetchConfig configures a single fetch action.
type FetchConfig struct {
	Timeout time.Duration
	// MaxRedirects caps followed redirects (0 = default 10, negative = none).
	MaxRedirects int
	UseCookieJar bool
	ProxyPool    *proxy.Pool
	UAPool       *useragent.Pool
	Fingerprint  fingerprint.Profile
	Limiter      *ratelimit.Limiter

	// MaxRetries is the number of retries on transport failure, 429, or 5xx.
	MaxRetries int
	// BackoffBase is the base delay in seconds for the retry backoff formula
	// backoff_base * 2^(k-1) + uniform(0, 0.2).
	BackoffBase float64
	// UserAgent, if set, overrides UAPool rotation with a fixed per-scan UA.
	UserAgent string
}

// Fetcher performs single URL fetches using the configured bypass strategies.
type Fetcher struct {
	config    FetchConfig
	client    *httpclient.Client
	transport http.RoundTripper
}

// NewFetcher initializes a new Fetcher with the given configuration.
// By holding a single client across requests, cookie jars (if configured) persist for the lifetime of the Fetcher.
func NewFetcher(cfg FetchConfig) (*Fetcher, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.NewPool(nil)
	}
	if string(cfg.Fingerprint) == "" {
		cfg.Fingerprint = fingerprint.ProfileChrome
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 0.4
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 10
	}

	// Create transport just once per fetcher to allow connection pooling and cookie jar reuse.
	// We inject a proxy function that reads from the request context to allow per-request proxy rotation.
	proxyFunc := func(req *http.Request) (*url.URL, error) {
		// http.Transport.Proxy expects nil url if no proxy should be used
		if val := req.Context().Value(proxyKey); val != nil {
			if u, ok := val.(*url.URL); ok {
				return u, nil
			}
		}
		// If we are doing tests, skip env proxy to prevent system proxies from breaking tests
		if req.URL.Host == "example.com" || req.URL.Hostname() == "127.0.0.1" {
			return nil, nil
		}
		return http.ProxyFromEnvironment(req)
	}

	transport, err := fingerprint.Transport(cfg.Fingerprint, proxyFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to setup transport: %w", err)
	}

	client, err := httpclient.New(httpclient.Config{
		Timeout:      cfg.Timeout,
		MaxRedirects: cfg.MaxRedirects,
		UseCookieJar: cfg.UseCookieJar,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &Fetcher{
		config:    cfg,
		client:    client,
		transport: transport,
	}, nil
}

// Fetch issues a GET or POST request to targetURL with the given ordered
// params — appended as a query string for GET, form-encoded for POST — and
// retries on transport failure, HTTP 429, and HTTP 5xx per the configured
// backoff policy.
func (f *Fetcher) Fetch(ctx context.Context, method, targetURL string, params []Param) (*FetchResult, error) {
	if method == "" {
		method = http.MethodGet
	}

	maxRetries := f.config.MaxRetries
	var result *FetchResult

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := f.config.BackoffBase*float64(int(1)<<uint(attempt-1)) + rand.Float64()*0.2
			timer := time.NewTimer(time.Duration(delay * float64(time.Second)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		result = f.doFetch(ctx, method, targetURL, params)
		result.Attempts = attempt + 1

		if result.Error == "" && result.StatusCode != http.StatusTooManyRequests && result.StatusCode < 500 {
			return result, nil
		}
		if attempt == maxRetries {
			return result, nil
		}
	}

	return result, nil
}

func (f *Fetcher) doFetch(ctx context.Context, method, targetURL string, params []Param) *FetchResult {
	if f.config.Limiter != nil {
		if err := f.config.Limiter.Wait(ctx); err != nil {
			return &FetchResult{
				ID:        uuid.New().String(),
				URL:       targetURL,
				Method:    method,
				CreatedAt: time.Now().UTC(),
				Error:     fmt.Sprintf("rate limiter failed: %v", err),
			}
		}
	}

	start := time.Now()

	result := &FetchResult{
		ID:        uuid.New().String(),
		URL:       targetURL,
		Method:    method,
		CreatedAt: start.UTC(),
	}

	var activeProxy *url.URL
	if f.config.ProxyPool != nil {
		activeProxy = f.config.ProxyPool.Next()
	}

	req, err := f.buildRequest(ctx, method, targetURL, params)
	if err != nil {
		result.Error = fmt.Sprintf("failed to create request: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	if activeProxy != nil {
		req = req.WithContext(context.WithValue(req.Context(), proxyKey, activeProxy))
	}

	ua := f.config.UserAgent
	if ua == "" {
		ua = f.config.UAPool.GetSequential()
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req.Context(), req)
	if err != nil {
		if activeProxy != nil {
			_ = f.config.ProxyPool.MarkFailure(activeProxy)
			metrics.ProxyFailures.WithLabelValues(activeProxy.String()).Inc()
		}
		result.Error = fmt.Sprintf("request failed: %v", err)
		result.Duration = time.Since(start)
		return result
	}
	defer resp.Body.Close()

	if activeProxy != nil {
		_ = f.config.ProxyPool.MarkSuccess(activeProxy)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Error = fmt.Sprintf("failed to read body: %v", err)
	}

	result.StatusCode = resp.StatusCode
	result.Headers = resp.Header
	result.Body = body
	result.Duration = time.Since(start)

	// Run detection to identify if we were challenged by a WAF/bot-protection
	// layer; the injection engine consults this to avoid treating a
	// challenge page as genuine boolean-blind divergence.
	challenged, src := bypass.Analyze(&bypass.Response{
		StatusCode: result.StatusCode,
		Headers:    result.Headers,
		Body:       result.Body,
	}, bypass.DefaultDetectors())
	result.Challenged = challenged
	result.ChallengeSrc = src

	domain := ""
	if u, parseErr := url.Parse(targetURL); parseErr == nil {
		domain = u.Hostname()
	}
	metrics.RecordFetch(domain, result.StatusCode, result.Error, result.Challenged, result.ChallengeSrc, result.Duration, len(result.Body))

	return result
}

func (f *Fetcher) buildRequest(ctx context.Context, method, targetURL string, params []Param) (*http.Request, error) {
	if method == http.MethodPost {
		form := url.Values{}
		for _, p := range params {
			form.Set(p.Name, p.Value)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		q := u.Query()
		for _, p := range params {
			q.Set(p.Name, p.Value)
		}
		u.RawQuery = q.Encode()
	}

	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

// Param is a single ordered name/value pair, used instead of a plain map so
// callers (the Target Registry and Injection Engine) can control param
// iteration order deterministically.
type Param struct {
	Name  string
	Value string
}
