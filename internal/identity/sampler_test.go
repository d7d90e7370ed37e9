package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

func newTestSampler(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Sampler, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{
		FallbackUserAgent: "fallback-agent",
		IPEchoURL:         srv.URL + "/ip",
		GeoLookupURL:      srv.URL + "/json/{ip}",
		ReachabilityURL:   srv.URL + "/reach",
		Timeout:           time.Second,
	}
	return New(cfg, zap.NewNop(), opts...), srv
}

func TestSampleUserAgentPicksFromDesktop(t *testing.T) {
	t.Parallel()

	gotUA := make(chan string, 1)
	sampler, srv := newTestSampler(t, func(w http.ResponseWriter, r *http.Request) {
		gotUA <- r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`{"UserAgents":{"Desktop":["ua-0","ua-1","ua-2"],"Mobile":["m"]}}`))
	}, WithPicker(func(n int) int { return n - 1 }))

	ua, err := sampler.SampleUserAgent(context.Background(), srv.URL+"/agents.json")
	require.NoError(t, err)
	assert.Equal(t, "ua-2", ua)
	assert.Equal(t, "fallback-agent", <-gotUA)
}

func TestSampleUserAgentFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"empty desktop list", http.StatusOK, `{"UserAgents":{"Desktop":[]}}`, gateway.ErrNoAgentsAvailable},
		{"missing outer keys", http.StatusOK, `{"Agents":{}}`, gateway.ErrNoAgentsAvailable},
		{"missing desktop key", http.StatusOK, `{"UserAgents":{}}`, gateway.ErrNoAgentsAvailable},
		{"malformed json", http.StatusOK, `{"UserAgents":`, gateway.ErrUpstreamUnavailable},
		{"upstream error", http.StatusBadGateway, `oops`, gateway.ErrUpstreamUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sampler, srv := newTestSampler(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := sampler.SampleUserAgent(context.Background(), srv.URL)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSampleUserAgentTimesOut(t *testing.T) {
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
	sampler := New(Config{Timeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	_, err := sampler.SampleUserAgent(context.Background(), srv.URL)
	require.ErrorIs(t, err, gateway.ErrUpstreamUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCurrentPublicIP(t *testing.T) {
	t.Parallel()

	sampler, _ := newTestSampler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ip", r.URL.Path)
		_, _ = w.Write([]byte(`{"ip":"203.0.113.7"}`))
	})
	ip, err := sampler.CurrentPublicIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip)
}

func TestCurrentPublicIPMissingField(t *testing.T) {
	t.Parallel()

	sampler, _ := newTestSampler(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := sampler.CurrentPublicIP(context.Background())
	require.ErrorIs(t, err, gateway.ErrUpstreamUnavailable)
}

func TestResolveIPInfoFromEndpoint(t *testing.T) {
	t.Parallel()

	sampler, _ := newTestSampler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/203.0.113.7", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"success","country":"Netherlands","countryCode":"NL",` +
			`"city":"Amsterdam","lat":52.37,"lon":4.89,"isp":"Example ISP","as":"AS64500 Example"}`))
	})
	info, err := sampler.ResolveIPInfo(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "Netherlands", info.Country)
	assert.Equal(t, "AS64500 Example", info.AS)
	assert.Equal(t, "203.0.113.7", info.Query)
	assert.InDelta(t, 52.37, info.Lat, 0.001)
}

func TestResolveIPInfoNonOK(t *testing.T) {
	t.Parallel()

	sampler, _ := newTestSampler(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := sampler.ResolveIPInfo(context.Background(), "203.0.113.7")
	require.ErrorIs(t, err, gateway.ErrUpstreamUnavailable)
	assert.Equal(t, http.StatusTooManyRequests, gateway.UpstreamStatus(err))
}

type fakeGeo struct {
	info gateway.IPInfo
	err  error
}

func (f fakeGeo) Resolve(context.Context, string) (gateway.IPInfo, error) {
	return f.info, f.err
}

func TestResolveIPInfoPrefersOfflineResolver(t *testing.T) {
	t.Parallel()

	called := false
	sampler, _ := newTestSampler(t, func(w http.ResponseWriter, _ *http.Request) {
		called = true
		_, _ = w.Write([]byte(`{"country":"Remote"}`))
	}, WithGeoResolver(fakeGeo{info: gateway.IPInfo{Country: "Local", Source: "geoip2"}}))

	info, err := sampler.ResolveIPInfo(context.Background(), "198.51.100.1")
	require.NoError(t, err)
	assert.Equal(t, "Local", info.Country)
	assert.False(t, called)
}

func TestResolveIPInfoFallsBackWhenOfflineMisses(t *testing.T) {
	t.Parallel()

	sampler, _ := newTestSampler(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"country":"Remote"}`))
	}, WithGeoResolver(fakeGeo{err: errors.New("not found")}))

	info, err := sampler.ResolveIPInfo(context.Background(), "198.51.100.1")
	require.NoError(t, err)
	assert.Equal(t, "Remote", info.Country)
}

func TestSnapshotWithInfo(t *testing.T) {
	t.Parallel()

	sampler, _ := newTestSampler(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ip" {
			_, _ = w.Write([]byte(`{"ip":"192.0.2.10"}`))
			return
		}
		_, _ = w.Write([]byte(`{"country":"Iceland"}`))
	})
	snap, err := sampler.Snapshot(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", snap.PublicIP)
	require.NotNil(t, snap.IPInfo)
	assert.Equal(t, "Iceland", snap.IPInfo.Country)
}

func TestCheckReachability(t *testing.T) {
	t.Parallel()

	sampler, _ := newTestSampler(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	code, err := sampler.CheckReachability(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestOpenGeoIPMissingFile(t *testing.T) {
	t.Parallel()

	_, err := OpenGeoIP(filepath.Join(t.TempDir(), "missing.mmdb"))
	require.Error(t, err)
}
