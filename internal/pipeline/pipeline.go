// Package pipeline runs a gateway request through its states:
// Authenticating, QuotaChecking, EgressRotating, Fetching, Staging and
// Responding. Each plan visits a fixed subset of them, and any state may
// move the run to Failed.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
	"github.com/JakeFAU/scrape-gateway/internal/logging"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
	"github.com/JakeFAU/scrape-gateway/internal/quota"
	"github.com/JakeFAU/scrape-gateway/internal/telemetry"
)

// Plan selects which states a request visits.
type Plan string

const (
	// PlanSearch scrapes a search page under quota and stages the document.
	PlanSearch Plan = "search"
	// PlanFetch performs an unmetered plain GET.
	PlanFetch Plan = "fetch"
	// PlanGetIP reports the current egress identity.
	PlanGetIP Plan = "get_ip"
	// PlanResetIP rotates egress, then reports the new identity.
	PlanResetIP Plan = "reset_ip"
)

// State is a pipeline state.
type State string

const (
	StateAuthenticating State = "authenticating"
	StateQuotaChecking  State = "quota_checking"
	StateEgressRotating State = "egress_rotating"
	StateFetching       State = "fetching"
	StateStaging        State = "staging"
	StateResponding     State = "responding"
	StateFailed         State = "failed"
)

var plans = map[Plan][]State{
	PlanSearch:  {StateAuthenticating, StateQuotaChecking, StateFetching, StateStaging, StateResponding},
	PlanFetch:   {StateFetching, StateResponding},
	PlanGetIP:   {StateFetching, StateResponding},
	PlanResetIP: {StateEgressRotating, StateFetching, StateResponding},
}

// Steps returns the states plan visits on success.
func Steps(plan Plan) []State {
	return append([]State(nil), plans[plan]...)
}

// Ledger consumes quota.
type Ledger interface {
	CheckAndConsume(ctx context.Context, apiKey, today string) (gateway.Decision, error)
}

// Rotator changes the egress IP.
type Rotator interface {
	Rotate(ctx context.Context) (gateway.RotationReport, error)
}

// Executor performs outbound retrievals.
type Executor interface {
	ExecuteHTTP(ctx context.Context, url string) (gateway.FetchResult, error)
	ExecuteScrape(ctx context.Context, query string) (gateway.FetchResult, error)
}

// Identity reports the egress identity.
type Identity interface {
	CurrentPublicIP(ctx context.Context) (string, error)
	Snapshot(ctx context.Context, withInfo bool) (gateway.IdentitySnapshot, error)
}

// Stager persists artifacts.
type Stager interface {
	Store(ctx context.Context, content []byte, contentType string) (gateway.ArtifactHandle, error)
}

// Config holds pipeline settings.
type Config struct {
	DeviceID       string
	Topic          string
	PublishTimeout time.Duration
}

// Request is one inbound gateway call.
type Request struct {
	Plan      Plan
	RequestID string
	APIKey    string
	URL       string
	Query     string
}

// Outcome is the envelope assembled by a run. On failure State is
// StateFailed and Err carries the kind; fields filled before the failure
// (such as Decision on a quota rejection) are kept.
type Outcome struct {
	RequestID  string
	DeviceID   string
	State      State
	Visited    []State
	Decision   *gateway.Decision
	Result     *gateway.FetchResult
	Identity   *gateway.IdentitySnapshot
	PreviousIP string
	IPChanged  bool
	Rotation   *gateway.RotationReport
	Artifact   *gateway.ArtifactHandle
	Err        error
}

// Pipeline wires the gateway components together.
type Pipeline struct {
	cfg       Config
	ledger    Ledger
	rotator   Rotator
	executor  Executor
	identity  Identity
	stager    Stager
	publisher gateway.Publisher
	clock     gateway.Clock
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New constructs a Pipeline. publisher may be nil.
func New(
	cfg Config,
	ledger Ledger,
	rotator Rotator,
	executor Executor,
	identity Identity,
	stager Stager,
	publisher gateway.Publisher,
	clock gateway.Clock,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Pipeline{
		cfg:       cfg,
		ledger:    ledger,
		rotator:   rotator,
		executor:  executor,
		identity:  identity,
		stager:    stager,
		publisher: publisher,
		clock:     clock,
		tracer:    telemetry.Tracer(),
		logger:    logger,
	}
}

// Run drives req through the states of its plan.
func (p *Pipeline) Run(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{RequestID: req.RequestID, DeviceID: p.cfg.DeviceID}
	steps, ok := plans[req.Plan]
	if !ok {
		err := gateway.E(gateway.ErrInvalidInput, "run pipeline", errors.New("unknown plan "+string(req.Plan)))
		return p.fail(out, err)
	}

	ctx, span := p.tracer.Start(ctx, "pipeline."+string(req.Plan),
		trace.WithAttributes(attribute.String("request_id", req.RequestID)))
	defer span.End()

	logger := p.logger.With(zap.String("request_id", req.RequestID), zap.String("plan", string(req.Plan)))
	if req.APIKey != "" {
		logger = logger.With(logging.APIKey(req.APIKey))
	}

	for _, state := range steps {
		out.State = state
		out.Visited = append(out.Visited, state)
		logger.Debug("pipeline transition", zap.String("state", string(state)))

		if err := p.runState(ctx, state, req, &out, logger); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, gateway.Code(err))
			logger.Warn("pipeline failed",
				zap.String("state", string(state)),
				zap.String("kind", gateway.Code(err)),
				zap.Error(err),
			)
			return p.fail(out, err)
		}
	}
	return out, nil
}

func (p *Pipeline) fail(out Outcome, err error) (Outcome, error) {
	out.State = StateFailed
	out.Visited = append(out.Visited, StateFailed)
	out.Err = err
	return out, err
}

func (p *Pipeline) runState(ctx context.Context, state State, req Request, out *Outcome, logger *zap.Logger) error {
	ctx, span := p.tracer.Start(ctx, "state."+string(state))
	defer span.End()
	start := p.clock.Now()
	defer func() {
		metrics.ObservePipelineStage(string(state), p.clock.Now().Sub(start))
	}()

	var err error
	switch state {
	case StateAuthenticating:
		err = p.authenticate(req)
	case StateQuotaChecking:
		err = p.checkQuota(ctx, req, out)
	case StateEgressRotating:
		p.rotate(ctx, out, logger)
	case StateFetching:
		err = p.fetch(ctx, req, out)
	case StateStaging:
		err = p.stage(ctx, out)
	case StateResponding:
		p.respond(ctx, req, out, logger)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, gateway.Code(err))
	}
	return err
}

func (p *Pipeline) authenticate(req Request) error {
	const op = "authenticate"
	if strings.TrimSpace(req.APIKey) == "" {
		return gateway.E(gateway.ErrMissingCredential, op, nil).WithDetail(quota.DetailMissingKey)
	}
	if req.Plan == PlanSearch && strings.TrimSpace(req.Query) == "" {
		return gateway.E(gateway.ErrInvalidInput, op, errors.New("empty query")).WithDetail("Missing query.")
	}
	return nil
}

func (p *Pipeline) checkQuota(ctx context.Context, req Request, out *Outcome) error {
	decision, err := p.ledger.CheckAndConsume(ctx, req.APIKey, gateway.Today(p.clock.Now()))
	if decision.APIKey != "" {
		out.Decision = &decision
	}
	return err
}

// rotate never fails the run; the identity lookup that follows reports
// whatever egress the host ended up with.
func (p *Pipeline) rotate(ctx context.Context, out *Outcome, logger *zap.Logger) {
	if ip, err := p.identity.CurrentPublicIP(ctx); err == nil {
		out.PreviousIP = ip
	} else {
		logger.Warn("previous ip lookup failed", zap.Error(err))
	}
	report, err := p.rotator.Rotate(ctx)
	if err != nil {
		logger.Warn("egress rotation failed, continuing", zap.Error(err))
	} else if !report.OK() {
		logger.Warn("egress rotation reported errors, continuing",
			zap.Int("disconnect_exit", report.Disconnect.ExitCode),
			zap.Int("connect_exit", report.Connect.ExitCode),
		)
	}
	out.Rotation = &report
}

func (p *Pipeline) fetch(ctx context.Context, req Request, out *Outcome) error {
	switch req.Plan {
	case PlanSearch:
		res, err := p.executor.ExecuteScrape(ctx, req.Query)
		if err != nil {
			return err
		}
		out.Result = &res
	case PlanFetch:
		res, err := p.executor.ExecuteHTTP(ctx, req.URL)
		if err != nil {
			return err
		}
		out.Result = &res
		snap, err := p.identity.Snapshot(ctx, false)
		if err != nil {
			return err
		}
		snap.UserAgent = res.UserAgent
		out.Identity = &snap
	case PlanGetIP, PlanResetIP:
		snap, err := p.identity.Snapshot(ctx, true)
		if err != nil {
			return err
		}
		out.Identity = &snap
		if req.Plan == PlanResetIP {
			out.IPChanged = out.PreviousIP != "" && out.PreviousIP != snap.PublicIP
		}
	}
	return nil
}

func (p *Pipeline) stage(ctx context.Context, out *Outcome) error {
	if out.Result == nil {
		return gateway.E(gateway.ErrStorageUnavailable, "stage", errors.New("nothing to stage"))
	}
	handle, err := p.stager.Store(ctx, out.Result.Content, out.Result.ContentType)
	if err != nil {
		return err
	}
	out.Artifact = &handle
	return nil
}

func (p *Pipeline) respond(ctx context.Context, req Request, out *Outcome, logger *zap.Logger) {
	if req.Plan != PlanSearch || p.publisher == nil || out.Artifact == nil {
		return
	}
	event := gateway.ScrapeEvent{
		RequestID:   req.RequestID,
		Query:       req.Query,
		LinkCount:   len(out.Result.Links),
		ObjectKey:   out.Artifact.ObjectKey,
		SHA256:      out.Artifact.SHA256,
		DeviceID:    p.cfg.DeviceID,
		CompletedAt: p.clock.Now().UTC(),
	}
	if out.Decision != nil {
		event.UsageCount = out.Decision.Count
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PublishTimeout)
	defer cancel()
	id, err := p.publisher.Publish(pubCtx, p.cfg.Topic, event)
	if err != nil {
		logger.Warn("publish scrape event failed", zap.Error(err))
		return
	}
	logger.Debug("scrape event published", zap.String("message_id", id))
}
