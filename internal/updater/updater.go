package updater

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/geniusdynamics/upgradeapp/internal/process"
)

var logger = loggo.GetLogger("upgradeapp.updater")

// ErrUnavailable is returned by operations on a backend whose tooling is not
// present on the host.
const ErrUnavailable = errors.ConstError("backend not available")

// Upgrader is the interface that all upgrade backends must implement.
type Upgrader interface {
	// Name returns the backend name (e.g., "app", "docker", "podman").
	Name() string
	// Config returns the configuration the backend was constructed with.
	Config() map[string]any
	// CheckAvailable reports whether the backend can operate on this host.
	CheckAvailable(ctx context.Context) bool
	// ListItems lists the packages or containers the backend manages.
	ListItems(ctx context.Context) ([]string, error)
	// CheckUpdates maps items with an available update to the version offered.
	// An empty item checks everything.
	CheckUpdates(ctx context.Context, item string) (map[string]string, error)
	// Upgrade upgrades item, or everything when item is empty.
	Upgrade(ctx context.Context, item string, dryRun bool) (*UpgradeResult, error)
	// Validate rejects structurally invalid configurations before use.
	Validate() error
}

// UpgradeResult represents the result of an upgrade operation.
type UpgradeResult struct {
	Backend   string   `json:"backend"`
	Item      string   `json:"item,omitempty"`
	DryRun    bool     `json:"dry_run"`
	Success   bool     `json:"success"`
	Message   string   `json:"message"`
	Actions   []string `json:"actions,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Completed []string `json:"completed,omitempty"`
}

func newUpgradeResult(backend, item string, dryRun bool) *UpgradeResult {
	return &UpgradeResult{Backend: backend, Item: item, DryRun: dryRun}
}

// warn logs a per-item diagnostic and keeps it on the result.
func (r *UpgradeResult) warn(format string, args ...any) {
	logger.Warningf(format, args...)
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// plan records an action a dry run would have taken.
func (r *UpgradeResult) plan(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Infof("  %s", msg)
	r.Actions = append(r.Actions, msg)
}

// fail marks the result unsuccessful and returns err for the caller.
func (r *UpgradeResult) fail(err error) (*UpgradeResult, error) {
	r.Success = false
	r.Message = err.Error()
	logger.Errorf("%s upgrade failed: %v", r.Backend, err)
	return r, err
}

// Base carries what every backend shares: the process runner and the
// configuration mapping. It provides the default Validate.
type Base struct {
	runner process.Runner
	config map[string]any
}

// NewBase creates a Base. A nil cfg yields an empty mapping; cfg is copied so
// later changes by the caller do not leak into the backend.
func NewBase(runner process.Runner, cfg map[string]any) Base {
	copied := make(map[string]any, len(cfg))
	for k, v := range cfg {
		copied[k] = v
	}
	return Base{runner: runner, config: copied}
}

// Config returns a copy of the configuration mapping.
func (b *Base) Config() map[string]any {
	copied := make(map[string]any, len(b.config))
	for k, v := range b.config {
		copied[k] = v
	}
	return copied
}

// Validate accepts any configuration.
func (b *Base) Validate() error {
	return nil
}

func (b *Base) configBool(key string) bool {
	v, ok := b.config[key].(bool)
	return ok && v
}

func (b *Base) run(ctx context.Context, cmd process.Command) (process.Result, error) {
	return b.runner.Run(ctx, cmd)
}

// runOK runs cmd and turns a non-zero exit into an error carrying stderr.
func (b *Base) runOK(ctx context.Context, cmd process.Command) (process.Result, error) {
	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return res, errors.Trace(err)
	}
	if !res.Success() {
		return res, errors.Errorf("%q exited with status %d: %s", cmd.String(), res.ExitCode, trimOutput(res.Stderr))
	}
	return res, nil
}

func unavailable(name string) error {
	return errors.Annotatef(ErrUnavailable, "%s", name)
}
