package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/geniusdynamics/upgradeapp/internal/config"
	"github.com/geniusdynamics/upgradeapp/internal/process"
	"github.com/geniusdynamics/upgradeapp/internal/updater"
)

var logger = loggo.GetLogger("upgradeapp.service")

// Actions understood by Run.
const (
	ActionList    = "list"
	ActionCheck   = "check"
	ActionUpgrade = "upgrade"
)

// Snapshotter records the item inventory of a backend before it is upgraded.
type Snapshotter interface {
	Snapshot(backend string, items []string) (string, error)
}

// Request selects a backend and the action to run on it.
type Request struct {
	Backend string `json:"backend"`
	Action  string `json:"action"`
	Item    string `json:"item,omitempty"`
	DryRun  bool   `json:"dry_run"`
}

// Result represents the outcome of a Run.
type Result struct {
	Backend  string                 `json:"backend"`
	Action   string                 `json:"action"`
	Item     string                 `json:"item,omitempty"`
	Success  bool                   `json:"success"`
	Message  string                 `json:"message"`
	Items    []string               `json:"items,omitempty"`
	Updates  map[string]string      `json:"updates,omitempty"`
	Upgrade  *updater.UpgradeResult `json:"upgrade,omitempty"`
	Snapshot string                 `json:"snapshot,omitempty"`
}

// BackendStatus reports whether a registered backend can run on this host.
type BackendStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// UpgradeService orchestrates backend selection, availability checks and
// pre-upgrade snapshots.
type UpgradeService struct {
	registry    *updater.Registry
	runner      process.Runner
	conf        *config.Config
	snapshotter Snapshotter
}

// NewUpgradeService creates a new UpgradeService. snapshotter may be nil.
func NewUpgradeService(registry *updater.Registry, runner process.Runner, conf *config.Config, snapshotter Snapshotter) *UpgradeService {
	return &UpgradeService{
		registry:    registry,
		runner:      runner,
		conf:        conf,
		snapshotter: snapshotter,
	}
}

// Config returns the configuration the service reads on every Run.
func (s *UpgradeService) Config() *config.Config {
	return s.conf
}

// Backends lists registered backends and their availability.
func (s *UpgradeService) Backends(ctx context.Context) []BackendStatus {
	var statuses []BackendStatus
	for _, name := range s.registry.Names() {
		status := BackendStatus{Name: name}
		u, err := s.registry.New(ctx, name, s.runner, s.conf.ToMap())
		if err != nil {
			logger.Warningf("creating %s backend: %v", name, err)
		} else {
			status.Available = u.CheckAvailable(ctx)
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Run executes req. The returned Result is never nil; when err is non-nil it
// carries the diagnostic in Message.
func (s *UpgradeService) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Backend == "" {
		req.Backend = s.conf.GetString(config.KeyUpgradeType, updater.AppBackend)
	}
	result := &Result{Backend: strings.ToLower(req.Backend), Action: req.Action, Item: req.Item}

	switch req.Action {
	case ActionList, ActionCheck, ActionUpgrade:
	default:
		return result.fail(errors.NotValidf("action %q", req.Action))
	}

	u, err := s.registry.New(ctx, req.Backend, s.runner, s.conf.ToMap())
	if err != nil {
		return result.fail(errors.Trace(err))
	}
	if !u.CheckAvailable(ctx) {
		err := errors.Annotatef(updater.ErrUnavailable, "%s", u.Name())
		result.Message = fmt.Sprintf("%s is not available on this system", DisplayName(req.Backend))
		logger.Errorf("%s", result.Message)
		return result, err
	}

	switch req.Action {
	case ActionList:
		return s.list(ctx, u, result)
	case ActionCheck:
		return s.check(ctx, u, result)
	default:
		return s.upgrade(ctx, u, result, req.DryRun || s.conf.GetBool(config.KeyDryRun, false))
	}
}

func (s *UpgradeService) list(ctx context.Context, u updater.Upgrader, result *Result) (*Result, error) {
	items, err := u.ListItems(ctx)
	if err != nil {
		return result.fail(err)
	}
	result.Items = items
	result.Success = true
	if len(items) == 0 {
		result.Message = "No items found"
	} else {
		result.Message = fmt.Sprintf("Found %d items", len(items))
	}
	return result, nil
}

func (s *UpgradeService) check(ctx context.Context, u updater.Upgrader, result *Result) (*Result, error) {
	updates, err := u.CheckUpdates(ctx, result.Item)
	if err != nil {
		return result.fail(err)
	}
	result.Updates = updates
	result.Success = true
	if len(updates) == 0 {
		result.Message = "No updates available"
	} else {
		result.Message = fmt.Sprintf("Found %d updates available", len(updates))
	}
	return result, nil
}

func (s *UpgradeService) upgrade(ctx context.Context, u updater.Upgrader, result *Result, dryRun bool) (*Result, error) {
	if !dryRun && s.snapshotter != nil && s.conf.GetBool(config.KeyBackupBeforeUpgrade, true) {
		hash, err := s.backup(ctx, u)
		if err != nil {
			return result.fail(errors.Annotate(err, "backup before upgrade"))
		}
		result.Snapshot = hash
	}

	res, err := u.Upgrade(ctx, result.Item, dryRun)
	result.Upgrade = res
	if err != nil {
		return result.fail(err)
	}
	result.Success = res.Success
	result.Message = res.Message
	return result, nil
}

func (s *UpgradeService) backup(ctx context.Context, u updater.Upgrader) (string, error) {
	items, err := u.ListItems(ctx)
	if err != nil {
		return "", errors.Annotate(err, "listing items")
	}
	hash, err := s.snapshotter.Snapshot(u.Name(), items)
	if err != nil {
		return "", errors.Trace(err)
	}
	logger.Infof("saved %d %s items in snapshot %s", len(items), u.Name(), hash)
	return hash, nil
}

func (r *Result) fail(err error) (*Result, error) {
	r.Success = false
	r.Message = err.Error()
	logger.Errorf("%s %s failed: %v", r.Backend, r.Action, err)
	return r, err
}

// DisplayName capitalises a backend name for operator messages.
func DisplayName(backend string) string {
	if backend == "" {
		return backend
	}
	backend = strings.ToLower(backend)
	return strings.ToUpper(backend[:1]) + backend[1:]
}

// Supports reports whether backend is registered.
func (s *UpgradeService) Supports(backend string) bool {
	return s.registry.Has(backend)
}
