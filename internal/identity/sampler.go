// Package identity samples egress identity: user agents from a remote
// directory, the gateway's public IP and IP geolocation.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

// Config points the sampler at its upstream services.
type Config struct {
	FallbackUserAgent string
	IPEchoURL         string
	// GeoLookupURL is templated with {ip}.
	GeoLookupURL    string
	ReachabilityURL string
	Timeout         time.Duration
}

// GeoResolver resolves IP metadata without a network call.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (gateway.IPInfo, error)
}

// Sampler implements the identity lookups over resty.
type Sampler struct {
	cfg    Config
	client *resty.Client
	geo    GeoResolver
	pick   func(n int) int
	logger *zap.Logger
}

// Option customizes a Sampler.
type Option func(*Sampler)

// WithGeoResolver consults r before the geolocation endpoint.
func WithGeoResolver(r GeoResolver) Option {
	return func(s *Sampler) {
		s.geo = r
	}
}

// WithPicker overrides the random index source.
func WithPicker(pick func(n int) int) Option {
	return func(s *Sampler) {
		s.pick = pick
	}
}

// New builds a Sampler.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Sampler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	s := &Sampler{
		cfg:    cfg,
		client: client,
		pick:   rand.IntN,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type agentDirectory struct {
	UserAgents *struct {
		Desktop []string `json:"Desktop"`
	} `json:"UserAgents"`
}

// SampleUserAgent fetches the directory at directoryURL and returns one
// desktop agent chosen uniformly at random.
func (s *Sampler) SampleUserAgent(ctx context.Context, directoryURL string) (string, error) {
	const op = "sample user agent"
	req := s.client.R().SetContext(ctx)
	if s.cfg.FallbackUserAgent != "" {
		req.SetHeader("User-Agent", s.cfg.FallbackUserAgent)
	}
	res, err := req.Get(directoryURL)
	if err != nil {
		return "", gateway.E(gateway.ErrUpstreamUnavailable, op, err)
	}
	if !res.IsSuccess() {
		return "", gateway.E(gateway.ErrUpstreamUnavailable, op, nil).WithStatus(res.StatusCode())
	}
	var dir agentDirectory
	if err := json.Unmarshal(res.Body(), &dir); err != nil {
		return "", gateway.E(gateway.ErrUpstreamUnavailable, op, fmt.Errorf("decode directory: %w", err))
	}
	if dir.UserAgents == nil || len(dir.UserAgents.Desktop) == 0 {
		return "", gateway.E(gateway.ErrNoAgentsAvailable, op, nil)
	}
	agents := dir.UserAgents.Desktop
	return agents[s.pick(len(agents))], nil
}

type ipEcho struct {
	IP string `json:"ip"`
}

// CurrentPublicIP asks the IP echo service for the gateway's egress address.
func (s *Sampler) CurrentPublicIP(ctx context.Context) (string, error) {
	const op = "current public ip"
	res, err := s.client.R().SetContext(ctx).Get(s.cfg.IPEchoURL)
	if err != nil {
		return "", gateway.E(gateway.ErrUpstreamUnavailable, op, err)
	}
	if !res.IsSuccess() {
		return "", gateway.E(gateway.ErrUpstreamUnavailable, op, nil).WithStatus(res.StatusCode())
	}
	var echo ipEcho
	if err := json.Unmarshal(res.Body(), &echo); err != nil {
		return "", gateway.E(gateway.ErrUpstreamUnavailable, op, fmt.Errorf("decode ip echo: %w", err))
	}
	if echo.IP == "" {
		return "", gateway.E(gateway.ErrUpstreamUnavailable, op, fmt.Errorf("ip echo returned no ip"))
	}
	return echo.IP, nil
}

// ResolveIPInfo returns geo/ASN metadata for ip. A configured offline
// resolver is tried first; the lookup endpoint is the fallback.
func (s *Sampler) ResolveIPInfo(ctx context.Context, ip string) (gateway.IPInfo, error) {
	const op = "resolve ip info"
	if s.geo != nil {
		info, err := s.geo.Resolve(ctx, ip)
		if err == nil && info.Country != "" {
			return info, nil
		}
		s.logger.Debug("offline geo lookup missed, using endpoint", zap.String("ip", ip), zap.Error(err))
	}
	target := strings.ReplaceAll(s.cfg.GeoLookupURL, "{ip}", url.PathEscape(ip))
	res, err := s.client.R().SetContext(ctx).Get(target)
	if err != nil {
		return gateway.IPInfo{}, gateway.E(gateway.ErrUpstreamUnavailable, op, err)
	}
	if !res.IsSuccess() {
		return gateway.IPInfo{}, gateway.E(gateway.ErrUpstreamUnavailable, op, nil).WithStatus(res.StatusCode())
	}
	var info gateway.IPInfo
	if err := json.Unmarshal(res.Body(), &info); err != nil {
		return gateway.IPInfo{}, gateway.E(gateway.ErrUpstreamUnavailable, op, fmt.Errorf("decode ip info: %w", err))
	}
	if info.Query == "" {
		info.Query = ip
	}
	return info, nil
}

// Snapshot captures the current egress IP and, when requested, its metadata.
func (s *Sampler) Snapshot(ctx context.Context, withInfo bool) (gateway.IdentitySnapshot, error) {
	ip, err := s.CurrentPublicIP(ctx)
	if err != nil {
		return gateway.IdentitySnapshot{}, err
	}
	snap := gateway.IdentitySnapshot{PublicIP: ip}
	if !withInfo {
		return snap, nil
	}
	info, err := s.ResolveIPInfo(ctx, ip)
	if err != nil {
		return snap, err
	}
	snap.IPInfo = &info
	return snap, nil
}

// CheckReachability GETs the configured reachability URL and returns the
// upstream status code.
func (s *Sampler) CheckReachability(ctx context.Context) (int, error) {
	res, err := s.client.R().SetContext(ctx).Get(s.cfg.ReachabilityURL)
	if err != nil {
		return 0, gateway.E(gateway.ErrUpstreamUnavailable, "check reachability", err)
	}
	return res.StatusCode(), nil
}
