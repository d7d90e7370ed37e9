// Package egress drives the host's VPN client to rotate the outbound IP.
package egress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

// Config describes the utility invocations.
type Config struct {
	Binary         string
	DisconnectArgs []string
	ConnectArgs    []string
	StatusArgs     []string
	Settle         time.Duration
	CommandTimeout time.Duration
}

// Controller rotates and queries the egress utility. Concurrent Rotate calls
// share one in-flight rotation.
type Controller struct {
	cfg    Config
	runner Runner
	sleep  func(ctx context.Context, d time.Duration) error
	group  singleflight.Group
	logger *zap.Logger
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSleep replaces the settle wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.sleep = sleep
	}
}

// New builds a Controller. A nil runner uses ExecRunner.
func New(cfg Config, runner Runner, logger *zap.Logger, opts ...Option) *Controller {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = time.Minute
	}
	c := &Controller{
		cfg:    cfg,
		runner: runner,
		sleep:  sleepContext,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rotate runs disconnect, settles, runs connect and settles again. A
// non-zero exit on either step is recorded in the report and the sequence
// continues. Only a missing utility ends the sequence early.
//
// The rotation is detached from ctx: a caller that goes away stops waiting
// but the rotation itself runs to completion.
func (c *Controller) Rotate(ctx context.Context) (gateway.RotationReport, error) {
	ch := c.group.DoChan("rotate", func() (any, error) {
		return c.rotate(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return gateway.RotationReport{}, fmt.Errorf("wait for rotation: %w", ctx.Err())
	case res := <-ch:
		report, _ := res.Val.(gateway.RotationReport)
		report.Shared = res.Shared
		if res.Err != nil {
			return report, res.Err
		}
		return report, nil
	}
}

func (c *Controller) rotate(ctx context.Context) (gateway.RotationReport, error) {
	start := time.Now()
	var report gateway.RotationReport

	disconnect, err := c.step(ctx, "disconnect", c.cfg.DisconnectArgs)
	report.Disconnect = disconnect
	if err != nil {
		metrics.ObserveEgressRotation("tool_unavailable", time.Since(start))
		return report, err
	}
	if err := c.sleep(ctx, c.cfg.Settle); err != nil {
		return report, err
	}

	connect, err := c.step(ctx, "connect", c.cfg.ConnectArgs)
	report.Connect = connect
	if err != nil {
		metrics.ObserveEgressRotation("tool_unavailable", time.Since(start))
		return report, err
	}
	if err := c.sleep(ctx, c.cfg.Settle); err != nil {
		return report, err
	}

	outcome := "ok"
	if !report.OK() {
		outcome = "partial"
		c.logger.Warn("egress rotation completed with failures",
			zap.Int("disconnect_exit", report.Disconnect.ExitCode),
			zap.Int("connect_exit", report.Connect.ExitCode),
			zap.String("connect_stderr", report.Connect.Stderr),
		)
	}
	metrics.ObserveEgressRotation(outcome, time.Since(start))
	c.logger.Info("egress rotation finished", zap.String("outcome", outcome), zap.Duration("duration", time.Since(start)))
	return report, nil
}

func (c *Controller) step(ctx context.Context, action string, args []string) (gateway.StepResult, error) {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	res, err := c.runner.Run(stepCtx, c.cfg.Binary, args...)
	step := gateway.StepResult{
		Action:   action,
		ExitCode: res.ExitCode,
		Stdout:   strings.TrimSpace(res.Stdout),
		Stderr:   strings.TrimSpace(res.Stderr),
		Duration: time.Since(start),
	}
	if err != nil {
		step.Err = err.Error()
		step.ExitCode = -1
		c.logger.Error("egress utility unavailable", zap.String("action", action), zap.Error(err))
		return step, err
	}
	c.logger.Debug("egress step",
		zap.String("action", action),
		zap.Int("exit_code", step.ExitCode),
		zap.Duration("duration", step.Duration),
	)
	return step, nil
}

// Status queries the utility and classifies its output.
func (c *Controller) Status(ctx context.Context) (gateway.EgressState, error) {
	stepCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	res, err := c.runner.Run(stepCtx, c.cfg.Binary, c.cfg.StatusArgs...)
	if err != nil {
		return gateway.EgressUnknown, err
	}
	return Classify(res.Stdout + "\n" + res.Stderr), nil
}

// Classify maps status output to an EgressState.
func Classify(output string) gateway.EgressState {
	switch {
	case strings.Contains(output, "Not connected"):
		return gateway.EgressDisconnected
	case strings.Contains(output, "Connected to"):
		return gateway.EgressConnected
	default:
		return gateway.EgressUnknown
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("settle interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
