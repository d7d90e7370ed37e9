package egress

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"github.com/JakeFAU/scrape-gateway/internal/gateway"
)

// CommandResult captures one invocation of the egress utility.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes the external utility and waits for it to exit. A non-zero
// exit is reported in the result, not as an error; errors mean the command
// could not be started at all.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

// ExecRunner runs commands on the host via os/exec.
type ExecRunner struct{}

// Run executes name with args and captures its exit status and streams.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, gateway.E(gateway.ErrEgressToolUnavailable, "run "+name, err)
}
