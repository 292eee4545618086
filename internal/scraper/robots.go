package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
)

// Policy manages robots.txt fetching and enforcement (C2).
type Policy struct {
	fetcher *Fetcher
	logger  *slog.Logger
	mu      sync.RWMutex
	cache   map[string]*robotstxt.RobotsData
}

// NewPolicy creates a new robots.txt Policy.
func NewPolicy(fetcher *Fetcher, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		fetcher: fetcher,
		logger:  logger,
		cache:   make(map[string]*robotstxt.RobotsData),
	}
}

// IsAllowed determines if the given URL is allowed by the host's robots.txt for the provided User-Agent.
// If the robots.txt fetch or parse fails, it behaves as allow-all.
func (p *Policy) IsAllowed(ctx context.Context, targetURL string, userAgent string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("invalid url: %w", err)
	}

	host := u.Scheme + "://" + u.Host

	data, err := p.getOrFetch(ctx, host)
	if err != nil {
		p.logger.Debug("robots.txt fetch failed, defaulting to allow", "host", host, "err", err)
		return true, nil
	}

	if data == nil {
		return true, nil
	}

	group := data.FindGroup(userAgent)
	return group.Test(u.Path), nil
}

func (p *Policy) getOrFetch(ctx context.Context, host string) (*robotstxt.RobotsData, error) {
	p.mu.RLock()
	data, exists := p.cache[host]
	p.mu.RUnlock()

	if exists {
		return data, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	data, exists = p.cache[host]
	if exists {
		return data, nil
	}

	robotsURL := fmt.Sprintf("%s/robots.txt", host)

	originalRedirects := p.fetcher.config.MaxRedirects
	p.fetcher.config.MaxRedirects = 5

	result, err := p.fetcher.Fetch(ctx, http.MethodGet, robotsURL, nil)

	p.fetcher.config.MaxRedirects = originalRedirects

	if err != nil {
		p.cache[host] = nil
		return nil, fmt.Errorf("fetch error: %w", err)
	}

	if result.Error != "" {
		p.cache[host] = nil
		return nil, fmt.Errorf("fetch error: %s", result.Error)
	}

	if result.StatusCode >= 400 {
		p.cache[host] = nil
		return nil, nil
	}

	parsed, err := robotstxt.FromBytes(result.Body)
	if err != nil {
		p.cache[host] = nil
		return nil, fmt.Errorf("parse error: %w", err)
	}

	p.cache[host] = parsed
	return parsed, nil
}

// SitemapExtracts returns a list of sitemap URLs defined in the cached robots.txt for the given host.
func (p *Policy) SitemapExtracts(ctx context.Context, host string) ([]string, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}

	data, err := p.getOrFetch(ctx, host)
	if err != nil || data == nil {
		return nil, nil
	}

	return data.Sitemaps, nil
}
