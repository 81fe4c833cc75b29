package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"git.home.luguber.info/inful/boardbuilder/internal/errors"
)

// CompileInput is what a Runner receives for one entry point: the entry path
// and the virtual file map (workspace-relative slash paths to contents).
type CompileInput struct {
	EntryPoint string            `json:"entryPoint"`
	Files      map[string]string `json:"files"`
}

// Runner executes a single compile and returns the circuit JSON.
type Runner interface {
	Compile(ctx context.Context, in CompileInput) (json.RawMessage, error)
}

// ExecRunner shells out to an external evaluator. The input is written to
// stdin as JSON and the circuit JSON is read from stdout. A non-zero exit is
// a compile failure; stderr carries the diagnostic.
type ExecRunner struct {
	command []string
	timeout time.Duration
}

// NewExecRunner builds a runner for the configured compiler command.
func NewExecRunner(command []string, timeout time.Duration) (*ExecRunner, error) {
	if len(command) == 0 {
		return nil, errors.New(errors.CategoryConfig, errors.SeverityFatal, "compiler command not configured")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ExecRunner{command: command, timeout: timeout}, nil
}

func (r *ExecRunner) Compile(ctx context.Context, in CompileInput) (json.RawMessage, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, errors.SeverityError, "marshal compile input")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// #nosec G204 -- command comes from operator configuration, not request input
	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Retryable(errors.CategoryCompile, errors.SeverityError,
				fmt.Sprintf("compile timed out after %s", r.timeout)).
				WithContext("entry_point", in.EntryPoint)
		}
		return nil, classifyCompileFailure(in.EntryPoint, stderr.String(), err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 || !json.Valid(out) {
		return nil, errors.New(errors.CategoryCompile, errors.SeverityError, "compiler produced no valid JSON output").
			WithContext("entry_point", in.EntryPoint)
	}
	return json.RawMessage(out), nil
}

// classifyCompileFailure maps a compiler exit onto the retry policy. Failures
// pointing at missing or inaccessible inputs are permanent; everything else
// stays retryable since transient toolchain trouble is common.
func classifyCompileFailure(entryPoint, stderr string, cause error) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = cause.Error()
	}
	lower := strings.ToLower(msg)
	permanent := strings.Contains(lower, "404") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "private") ||
		strings.Contains(lower, "invalid archive")
	if permanent {
		return errors.Wrap(cause, errors.CategoryCompile, errors.SeverityError, msg).
			WithContext("entry_point", entryPoint)
	}
	return errors.WrapRetryable(cause, errors.CategoryCompile, errors.SeverityError, msg).
		WithContext("entry_point", entryPoint)
}
