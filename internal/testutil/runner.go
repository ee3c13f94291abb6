package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/juju/errors"

	"github.com/geniusdynamics/upgradeapp/internal/process"
)

// Response is a scripted outcome for one command line.
type Response struct {
	Result process.Result
	Err    error
}

// FakeRunner is a process.Runner that answers from scripted responses keyed by
// the full command line. Commands without a script behave like missing
// executables.
type FakeRunner struct {
	mu        sync.Mutex
	responses map[string][]Response
	calls     []process.Command
}

// NewFakeRunner creates an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{responses: make(map[string][]Response)}
}

// On queues a response for cmdline. Queued responses are consumed in order;
// the last one is repeated once the queue is drained.
func (f *FakeRunner) On(cmdline string, result process.Result, err error) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmdline] = append(f.responses[cmdline], Response{Result: result, Err: err})
	return f
}

// OnOutput scripts a successful run printing stdout.
func (f *FakeRunner) OnOutput(cmdline string, stdout string) *FakeRunner {
	return f.On(cmdline, process.Result{Stdout: stdout}, nil)
}

// OnExit scripts a run exiting with code and printing stderr.
func (f *FakeRunner) OnExit(cmdline string, code int, stderr string) *FakeRunner {
	return f.On(cmdline, process.Result{ExitCode: code, Stderr: stderr}, nil)
}

// OnError scripts a run that could not complete.
func (f *FakeRunner) OnError(cmdline string, err error) *FakeRunner {
	return f.On(cmdline, process.Result{}, err)
}

// Run implements process.Runner.
func (f *FakeRunner) Run(ctx context.Context, cmd process.Command) (process.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)

	key := cmd.String()
	queue := f.responses[key]
	if len(queue) == 0 {
		return process.Result{}, errors.NotFoundf("executable %q", cmd.Name)
	}
	resp := queue[0]
	if len(queue) > 1 {
		f.responses[key] = queue[1:]
	}
	return resp.Result, resp.Err
}

// Calls returns the commands run so far.
func (f *FakeRunner) Calls() []process.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]process.Command(nil), f.calls...)
}

// CommandLines returns the rendered command lines run so far.
func (f *FakeRunner) CommandLines() []string {
	calls := f.Calls()
	lines := make([]string, 0, len(calls))
	for _, c := range calls {
		lines = append(lines, c.String())
	}
	return lines
}

// Called reports whether cmdline was run.
func (f *FakeRunner) Called(cmdline string) bool {
	for _, line := range f.CommandLines() {
		if line == cmdline {
			return true
		}
	}
	return false
}

// CalledWithPrefix reports whether any run command line starts with prefix.
func (f *FakeRunner) CalledWithPrefix(prefix string) bool {
	for _, line := range f.CommandLines() {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
