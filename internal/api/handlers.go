package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/artifact"
	"github.com/JakeFAU/scrape-gateway/internal/gateway"
	"github.com/JakeFAU/scrape-gateway/internal/logging"
	"github.com/JakeFAU/scrape-gateway/internal/pipeline"
	"github.com/JakeFAU/scrape-gateway/internal/quota"
)

type searchResponse struct {
	APIKey           string                  `json:"api_key"`
	UsageCount       int                     `json:"usage_count"`
	FoundLinks       []string                `json:"found_links"`
	HTMLPresignedURL string                  `json:"html_presigned_url,omitempty"`
	Artifact         *gateway.ArtifactHandle `json:"artifact,omitempty"`
	DeviceID         string                  `json:"device_id"`
}

type fetchResponse struct {
	Result    string `json:"result"`
	Truncated bool   `json:"truncated,omitempty"`
	PublicIP  string `json:"public_ip"`
	DeviceID  string `json:"device_id"`
}

type ipResponse struct {
	PublicIP   string          `json:"public_ip"`
	IPInfo     *gateway.IPInfo `json:"ip_info"`
	PreviousIP string          `json:"previous_ip,omitempty"`
	IPChanged  *bool           `json:"ip_changed,omitempty"`
	DeviceID   string          `json:"device_id"`
}

type createUserResponse struct {
	Message  string         `json:"message"`
	Data     createUserData `json:"data"`
	DeviceID string         `json:"device_id"`
}

type createUserData struct {
	APIKey     string `json:"api_key"`
	UsageCount int    `json:"usage_count"`
	LastReset  string `json:"last_reset"`
}

// detached returns a context that survives a client disconnect but still
// ends at the request timeout.
func (s *Server) detached(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.RequestTimeout)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "up", "device_id": s.cfg.DeviceID})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":    "unavailable",
				"detail":    err.Error(),
				"device_id": s.cfg.DeviceID,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "device_id": s.cfg.DeviceID})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.detached(r)
	defer cancel()

	out, err := s.deps.Pipeline.Run(ctx, pipeline.Request{
		Plan:      pipeline.PlanSearch,
		RequestID: logging.RequestID(r.Context()),
		APIKey:    strings.TrimSpace(r.Header.Get("x-api-key")),
		Query:     r.URL.Query().Get("query"),
	})
	if out.Decision != nil {
		s.setRateLimitHeaders(w, *out.Decision)
	}
	if err != nil {
		s.writeRunError(ctx, w, r, err)
		return
	}
	resp := searchResponse{
		APIKey:     out.Decision.APIKey,
		UsageCount: out.Decision.Count,
		FoundLinks: out.Result.Links,
		Artifact:   out.Artifact,
		DeviceID:   s.cfg.DeviceID,
	}
	if out.Artifact != nil {
		resp.HTMLPresignedURL = out.Artifact.URL
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) setRateLimitHeaders(w http.ResponseWriter, d gateway.Decision) {
	limit := d.Limit
	if limit == 0 {
		limit = s.cfg.QuotaLimit
	}
	if limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-d.Count, 0)))
}

type fetchBody struct {
	URL string `json:"url"`
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" && r.Body != nil {
		var body fetchBody
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			target = body.URL
		}
	}
	if strings.TrimSpace(target) == "" {
		s.writeError(w, r, gateway.E(gateway.ErrInvalidInput, "fetch", nil).WithDetail("URL is required"))
		return
	}

	ctx, cancel := s.detached(r)
	defer cancel()
	out, err := s.deps.Pipeline.Run(ctx, pipeline.Request{
		Plan:      pipeline.PlanFetch,
		RequestID: logging.RequestID(r.Context()),
		URL:       target,
	})
	if err != nil {
		s.writeRunError(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fetchResponse{
		Result:    string(out.Result.Content),
		Truncated: out.Result.Truncated,
		PublicIP:  out.Identity.PublicIP,
		DeviceID:  s.cfg.DeviceID,
	})
}

func (s *Server) getIP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.detached(r)
	defer cancel()
	out, err := s.deps.Pipeline.Run(ctx, pipeline.Request{
		Plan:      pipeline.PlanGetIP,
		RequestID: logging.RequestID(r.Context()),
	})
	if err != nil {
		s.writeRunError(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ipResponse{
		PublicIP: out.Identity.PublicIP,
		IPInfo:   out.Identity.IPInfo,
		DeviceID: s.cfg.DeviceID,
	})
}

func (s *Server) resetIP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.detached(r)
	defer cancel()
	out, err := s.deps.Pipeline.Run(ctx, pipeline.Request{
		Plan:      pipeline.PlanResetIP,
		RequestID: logging.RequestID(r.Context()),
	})
	if err != nil {
		s.writeRunError(ctx, w, r, err)
		return
	}
	changed := out.IPChanged
	writeJSON(w, http.StatusOK, ipResponse{
		PublicIP:   out.Identity.PublicIP,
		IPInfo:     out.Identity.IPInfo,
		PreviousIP: out.PreviousIP,
		IPChanged:  &changed,
		DeviceID:   s.cfg.DeviceID,
	})
}

// healthGoogle always answers 200; reachability problems become the status
// string.
func (s *Server) healthGoogle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.detached(r)
	defer cancel()

	var status string
	code, err := s.deps.Prober.CheckReachability(ctx)
	switch {
	case err != nil:
		status = "Google is not reachable: " + gateway.Detail(err)
	case code == http.StatusOK:
		status = "Google is reachable"
	default:
		status = fmt.Sprintf("Google returned status code %d", code)
	}
	ip, err := s.deps.Prober.CurrentPublicIP(ctx)
	if err != nil {
		s.logger.Warn("public ip lookup failed", zap.Error(err))
		ip = "unknown"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    status,
		"public_ip": ip,
		"device_id": s.cfg.DeviceID,
	})
}

func (s *Server) vpnStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.detached(r)
	defer cancel()
	state, err := s.deps.Egress.Status(ctx)
	if err != nil {
		s.writeRunError(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"vpn_status": string(state),
		"device_id":  s.cfg.DeviceID,
	})
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("api_key"))
	if key == "" {
		s.writeError(w, r, gateway.E(gateway.ErrInvalidInput, "create user", nil).WithDetail(quota.DetailMissingNewKey))
		return
	}
	ctx, cancel := s.detached(r)
	defer cancel()
	rec, err := s.deps.Keys.RegisterKey(ctx, key, gateway.Today(s.deps.Clock.Now()))
	if err != nil {
		s.writeRunError(ctx, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createUserResponse{
		Message: "User created successfully",
		Data: createUserData{
			APIKey:     rec.APIKey,
			UsageCount: rec.Count,
			LastReset:  rec.LastReset,
		},
		DeviceID: s.cfg.DeviceID,
	})
}

func (s *Server) artifact(w http.ResponseWriter, r *http.Request) {
	if s.deps.Verifier == nil || s.deps.Artifacts == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
		return
	}
	key := chi.URLParam(r, "*")
	q := r.URL.Query()
	if err := s.deps.Verifier.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
		status := http.StatusForbidden
		detail := "Invalid artifact signature."
		if errors.Is(err, artifact.ErrExpired) {
			status = http.StatusGone
			detail = "Artifact link has expired."
		}
		writeJSON(w, status, errorBody{Detail: detail, Error: "artifact_denied", DeviceID: s.cfg.DeviceID})
		return
	}
	data, contentType, err := s.deps.Artifacts.GetObject(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("artifact write failed", zap.String("key", key), zap.Error(err))
	}
}
