// Package executor performs the outbound retrieval for a gateway request,
// either as a plain HTTP GET or as a headless render of a search page.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

// AgentSampler supplies a user agent for plain fetches.
type AgentSampler interface {
	SampleUserAgent(ctx context.Context, directoryURL string) (string, error)
}

// LinkExtractor pulls result links out of a rendered document.
type LinkExtractor interface {
	Links(document string) ([]string, error)
}

// Config controls request shaping.
type Config struct {
	DirectoryURL      string
	FallbackUserAgent string
	// SearchURL is templated with {query}.
	SearchURL string
}

// Executor runs single-attempt fetches and scrapes.
type Executor struct {
	cfg       Config
	agents    AgentSampler
	fetcher   gateway.PageFetcher
	renderer  gateway.Renderer
	extractor LinkExtractor
	limiter   gateway.Limiter
	logger    *zap.Logger
}

// New constructs an Executor. limiter may be nil.
func New(
	cfg Config,
	agents AgentSampler,
	fetcher gateway.PageFetcher,
	renderer gateway.Renderer,
	extractor LinkExtractor,
	limiter gateway.Limiter,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:       cfg,
		agents:    agents,
		fetcher:   fetcher,
		renderer:  renderer,
		extractor: extractor,
		limiter:   limiter,
		logger:    logger,
	}
}

// ExecuteHTTP GETs target with a sampled user agent. Sampling failures fall
// back to the configured default agent.
func (e *Executor) ExecuteHTTP(ctx context.Context, target string) (gateway.FetchResult, error) {
	const op = "execute http"
	if err := validateURL(target); err != nil {
		return gateway.FetchResult{}, gateway.E(gateway.ErrInvalidInput, op, err).WithDetail(err.Error())
	}
	agent := e.userAgent(ctx)
	if err := e.wait(ctx, target); err != nil {
		return gateway.FetchResult{}, gateway.E(gateway.ErrFetchFailed, op, err)
	}
	result, err := e.fetcher.Fetch(ctx, gateway.FetchRequest{
		URL:       target,
		UserAgent: agent,
		Headers:   http.Header{"Accept": {"text/html,application/xhtml+xml,*/*;q=0.8"}},
	})
	if err != nil {
		return gateway.FetchResult{}, err
	}
	if result.Truncated {
		e.logger.Warn("response body truncated at size limit",
			zap.String("url", target),
			zap.Int("bytes", len(result.Content)),
		)
	}
	result.Links = nil
	return result, nil
}

func (e *Executor) userAgent(ctx context.Context) string {
	if e.agents == nil || e.cfg.DirectoryURL == "" {
		return e.cfg.FallbackUserAgent
	}
	agent, err := e.agents.SampleUserAgent(ctx, e.cfg.DirectoryURL)
	if err != nil {
		e.logger.Warn("user agent sampling failed, using fallback", zap.Error(err))
		return e.cfg.FallbackUserAgent
	}
	return agent
}

// ExecuteScrape renders the search page for query and extracts the first
// link of each result. Zero links is a valid result.
func (e *Executor) ExecuteScrape(ctx context.Context, query string) (gateway.FetchResult, error) {
	const op = "execute scrape"
	if strings.TrimSpace(query) == "" {
		return gateway.FetchResult{}, gateway.E(gateway.ErrInvalidInput, op, errors.New("empty query")).
			WithDetail("Missing query.")
	}
	target := e.SearchURL(query)
	if err := e.wait(ctx, target); err != nil {
		return gateway.FetchResult{}, gateway.E(gateway.ErrScrapeFailed, op, err)
	}

	start := time.Now()
	document, err := e.renderer.Render(ctx, target)
	if err != nil {
		return gateway.FetchResult{}, err
	}
	links, err := e.extractor.Links(document)
	if err != nil {
		return gateway.FetchResult{}, gateway.E(gateway.ErrScrapeFailed, op, err)
	}
	e.logger.Debug("scrape complete",
		zap.String("url", target),
		zap.Int("links", len(links)),
	)
	return gateway.FetchResult{
		Mode:        gateway.ModeScrape,
		Source:      query,
		URL:         target,
		StatusCode:  http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Content:     []byte(document),
		Links:       links,
		Duration:    time.Since(start),
	}, nil
}

// SearchURL builds the search page URL for query.
func (e *Executor) SearchURL(query string) string {
	return strings.ReplaceAll(e.cfg.SearchURL, "{query}", url.QueryEscape(query))
}

func (e *Executor) wait(ctx context.Context, target string) error {
	if e.limiter == nil {
		return nil
	}
	if err := e.limiter.Wait(ctx, target); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func validateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL host is required")
	}
	return nil
}
