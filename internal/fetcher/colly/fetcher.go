// Package collyfetcher implements the plain HTTP PageFetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements gateway.PageFetcher using the Colly collector. Each
// call runs on a clone of one base collector, so connection pooling is shared.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// Clones share the backend client, so the timeout is set once here.
	c.SetRequestTimeout(cfg.Timeout)
	// Every call is an independent fetch on a client's behalf.
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	// Hand every status to OnResponse; classification happens here.
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET, following redirects. Terminal statuses
// of 400 and above, and transport failures, yield ErrFetchFailed.
func (f *Fetcher) Fetch(ctx context.Context, request gateway.FetchRequest) (gateway.FetchResult, error) {
	const op = "http fetch"
	var (
		result   gateway.FetchResult
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		metrics.ObserveFetch(string(gateway.ModeHTTP), request.URL, "error", 0)
		return gateway.FetchResult{}, gateway.E(gateway.ErrFetchFailed, op, err)
	}
	metrics.ObserveFetch(string(gateway.ModeHTTP), request.URL, strconv.Itoa(result.StatusCode), len(result.Content))
	if result.StatusCode >= http.StatusBadRequest {
		return result, gateway.E(gateway.ErrFetchFailed, op, nil).
			WithStatus(result.StatusCode).
			WithDetail(fmt.Sprintf("upstream returned %d", result.StatusCode))
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request gateway.FetchRequest,
	start time.Time,
	result *gateway.FetchResult,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	if request.UserAgent != "" {
		collector.UserAgent = request.UserAgent
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request gateway.FetchRequest,
	start time.Time,
	result *gateway.FetchResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = gateway.FetchResult{
			Mode:        gateway.ModeHTTP,
			Source:      request.URL,
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Content:     append([]byte(nil), r.Body...),
			UserAgent:   request.UserAgent,
			Duration:    time.Since(start),
			Truncated:   f.cfg.MaxBodyBytes > 0 && len(r.Body) >= f.cfg.MaxBodyBytes,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(request gateway.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
