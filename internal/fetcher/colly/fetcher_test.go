package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

func TestFetchFollowsRedirectsAndSendsAgent(t *testing.T) {
	t.Parallel()

	agents := make(chan string, 2)
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		agents <- r.Header.Get("User-Agent")
		if r.Header.Get("X-Trace") != "yes" {
			t.Errorf("expected header propagation, got %q", r.Header.Get("X-Trace"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>done</html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "default-agent", Timeout: time.Second})
	res, err := f.Fetch(context.Background(), gateway.FetchRequest{
		URL:       srv.URL + "/start",
		UserAgent: "sampled-agent",
		Headers:   http.Header{"X-Trace": {"yes"}},
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.StatusCode != http.StatusOK || string(res.Content) != "<html>done</html>" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.URL != srv.URL+"/final" {
		t.Fatalf("expected final url after redirect, got %q", res.URL)
	}
	if res.Source != srv.URL+"/start" || res.Mode != gateway.ModeHTTP {
		t.Fatalf("unexpected source/mode: %+v", res)
	}
	if got := <-agents; got != "sampled-agent" {
		t.Fatalf("expected sampled agent, got %q", got)
	}
	if len(res.Links) != 0 {
		t.Fatalf("plain fetch must not extract links, got %v", res.Links)
	}
}

func TestFetchRevisitsSameURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{})
	for range 2 {
		if _, err := f.Fetch(context.Background(), gateway.FetchRequest{URL: srv.URL}); err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
	}
}

func TestFetchConcurrentCallsShareCollector(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Query().Get("n")))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 2 * time.Second})
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := strconv.Itoa(i)
			res, err := f.Fetch(context.Background(), gateway.FetchRequest{URL: srv.URL + "/?n=" + want})
			if err != nil {
				errs <- err
				return
			}
			if string(res.Content) != want {
				errs <- fmt.Errorf("fetch %d got body %q", i, res.Content)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestFetchFlagsTruncatedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	t.Cleanup(srv.Close)

	res, err := New(Config{MaxBodyBytes: 16}).Fetch(context.Background(), gateway.FetchRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(res.Content) != 16 || !res.Truncated {
		t.Fatalf("expected 16 truncated bytes, got %d (truncated=%v)", len(res.Content), res.Truncated)
	}

	res, err = New(Config{MaxBodyBytes: 128}).Fetch(context.Background(), gateway.FetchRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.Truncated {
		t.Fatal("body under the limit must not be flagged")
	}
}

func TestFetchNonSuccessStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := New(Config{}).Fetch(context.Background(), gateway.FetchRequest{URL: srv.URL})
	if !errors.Is(err, gateway.ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if gateway.UpstreamStatus(err) != http.StatusServiceUnavailable {
		t.Fatalf("expected upstream status 503, got %d", gateway.UpstreamStatus(err))
	}
}

func TestFetchNetworkFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), gateway.FetchRequest{URL: addr})
	if !errors.Is(err, gateway.ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, gateway.FetchRequest{URL: srv.URL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := gateway.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result gateway.FetchResult
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/plain"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	if result.StatusCode != http.StatusCreated || string(result.Content) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.ContentType != "text/plain" {
		t.Fatalf("expected content type copied, got %q", result.ContentType)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
