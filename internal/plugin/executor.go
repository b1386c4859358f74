package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nosleep-drive/nosleep/internal/log"
)

// ErrTimeout is returned when a plugin outlives the executor timeout.
var ErrTimeout = errors.New("plugin execution timeout")

// maxStderr bounds the plugin output kept in an ExecError.
const maxStderr = 512

// ExecError reports a plugin process that failed or answered garbage.
type ExecError struct {
	Plugin string
	Action string
	Output string
	Err    error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("plugin %s %s: %v", e.Plugin, e.Action, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

// Executor runs one plugin process per request.
type Executor struct {
	timeout time.Duration
}

func NewExecutor(timeout time.Duration) *Executor {
	return &Executor{timeout: timeout}
}

// Timeout returns the per-call limit.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Execute starts the plugin in its own directory, writes req to stdin and
// decodes a Response from stdout. A request without Config gets the
// manifest's default config.
func (e *Executor) Execute(ctx context.Context, p *Plugin, req *Request) (*Response, error) {
	if req.Config == nil {
		req.Config = p.Manifest.Config
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode plugin request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Executable)
	cmd.Dir = p.Path
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	logger := log.WithComponent("plugin").WithFields(log.Fields{
		"plugin":   p.Manifest.Name,
		"action":   req.Action,
		"duration": time.Since(start).Round(time.Millisecond),
	})

	fail := func(err error, output string) (*Response, error) {
		execErr := &ExecError{Plugin: p.Manifest.Name, Action: req.Action, Output: clip(output), Err: err}
		logger.WithError(execErr).Debug("plugin failed")
		return nil, execErr
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fail(fmt.Errorf("%w after %s", ErrTimeout, e.timeout), "")
	}
	if err != nil {
		return fail(err, stderr.String())
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return fail(fmt.Errorf("invalid response: %w", err), stdout.String())
	}
	logger.WithField("success", resp.Success).Debug("plugin finished")
	return &resp, nil
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		return s[:maxStderr] + "..."
	}
	return s
}
