package process

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("upgradeapp.process")

// waitDelay bounds how long Run waits for output pipes after the process is
// killed on timeout.
const waitDelay = 2 * time.Second

// Command describes a single external process invocation.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration
	// Stream attaches the runner's terminal writers while still capturing output.
	Stream bool
}

// NewCommand creates a Command bounded by timeout.
func NewCommand(timeout time.Duration, name string, args ...string) Command {
	return Command{Name: name, Args: args, Timeout: timeout}
}

// Streamed returns a copy of c with Stream set.
func (c Command) Streamed() Command {
	c.Stream = true
	return c
}

// String renders the command line as it would be typed.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result is the outcome of a process that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the process exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner runs external commands. A non-zero exit status is reported in the
// Result, not as an error; errors are reserved for processes that could not
// run to completion (missing executable, timeout, start failure).
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner implements Runner with os/exec.
type ExecRunner struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewExecRunner creates an ExecRunner wired to the process's standard streams.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// NewBackgroundRunner creates an ExecRunner for processes without a terminal.
// Streamed commands get no stdin, so a prompt reads EOF instead of waiting
// for the timeout; their output is copied to w.
func NewBackgroundRunner(w io.Writer) *ExecRunner {
	return &ExecRunner{Stdout: w, Stderr: w}
}

// Run executes cmd and waits for it to finish or time out.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	logger.Debugf("running: %s", cmd)

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.WaitDelay = waitDelay
	if cmd.Stream {
		c.Stdin = r.Stdin
		if r.Stdout != nil {
			c.Stdout = io.MultiWriter(&stdout, r.Stdout)
		}
		if r.Stderr != nil {
			c.Stderr = io.MultiWriter(&stderr, r.Stderr)
		}
	}

	err := c.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		return result, nil
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return result, errors.NewNotFound(err, "executable "+cmd.Name)
	}
	if ctx.Err() == context.DeadlineExceeded {
		return result, errors.Timeoutf("%q after %s", cmd.String(), cmd.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if ctx.Err() != nil {
		return result, errors.Annotatef(ctx.Err(), "running %q", cmd.String())
	}
	return result, errors.Annotatef(err, "running %q", cmd.String())
}
