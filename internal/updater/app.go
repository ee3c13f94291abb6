package updater

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/geniusdynamics/upgradeapp/internal/process"
)

// Backend names known to the default registry.
const (
	AppBackend    = "app"
	DockerBackend = "docker"
	PodmanBackend = "podman"
)

// PackageManager identifies a system package manager.
type PackageManager string

// Supported package managers. Only apt has list, check and upgrade support.
const (
	Apt    PackageManager = "apt"
	Yum    PackageManager = "yum"
	Dnf    PackageManager = "dnf"
	Pacman PackageManager = "pacman"
	Zypper PackageManager = "zypper"
)

// packageManagers is the detection order.
var packageManagers = []PackageManager{Apt, Yum, Dnf, Pacman, Zypper}

const (
	detectTimeout     = 5 * time.Second
	selectionsTimeout = 30 * time.Second
	aptUpdateTimeout  = 60 * time.Second
	aptListTimeout    = 30 * time.Second
	aptUpgradeTimeout = 300 * time.Second
)

// DetectPackageManager returns the first package manager found on the host,
// or "" when none is present.
func DetectPackageManager(ctx context.Context, runner process.Runner) PackageManager {
	for _, pm := range packageManagers {
		res, err := runner.Run(ctx, process.NewCommand(detectTimeout, "which", string(pm)))
		if err != nil {
			logger.Debugf("probing %s: %v", pm, err)
			continue
		}
		if res.Success() {
			logger.Debugf("detected package manager %s", pm)
			return pm
		}
	}
	return ""
}

// AppUpgrader upgrades system applications and packages.
type AppUpgrader struct {
	Base
	manager PackageManager
}

// NewAppUpgrader creates an AppUpgrader, detecting the package manager once.
func NewAppUpgrader(ctx context.Context, runner process.Runner, cfg map[string]any) *AppUpgrader {
	return newAppUpgraderWithManager(runner, cfg, DetectPackageManager(ctx, runner))
}

func newAppUpgraderWithManager(runner process.Runner, cfg map[string]any, pm PackageManager) *AppUpgrader {
	return &AppUpgrader{
		Base:    NewBase(runner, cfg),
		manager: pm,
	}
}

// Name returns the name of this upgrader.
func (a *AppUpgrader) Name() string {
	return AppBackend
}

// PackageManager returns the detected package manager, "" if none.
func (a *AppUpgrader) PackageManager() PackageManager {
	return a.manager
}

// CheckAvailable reports whether a package manager was detected.
func (a *AppUpgrader) CheckAvailable(_ context.Context) bool {
	return a.manager != ""
}

// ListItems lists installed packages. Only apt is supported; other managers
// yield an empty list.
func (a *AppUpgrader) ListItems(ctx context.Context) ([]string, error) {
	if !a.CheckAvailable(ctx) {
		return []string{}, unavailable("package manager")
	}
	if a.manager != Apt {
		logger.Infof("listing packages is not implemented for %s", a.manager)
		return []string{}, nil
	}

	res, err := a.runOK(ctx, process.NewCommand(selectionsTimeout, "dpkg", "--get-selections"))
	if err != nil {
		logger.Errorf("Error listing packages: %v", err)
		return []string{}, errors.Annotate(err, "listing packages")
	}
	return parseSelections(res.Stdout), nil
}

// CheckUpdates refreshes the package index and lists upgradable packages.
func (a *AppUpgrader) CheckUpdates(ctx context.Context, item string) (map[string]string, error) {
	updates := map[string]string{}
	if !a.CheckAvailable(ctx) {
		return updates, unavailable("package manager")
	}
	if a.manager != Apt {
		logger.Infof("checking updates is not implemented for %s", a.manager)
		return updates, nil
	}

	// Refresh failures are logged only.
	if res, err := a.run(ctx, process.NewCommand(aptUpdateTimeout, "sudo", "apt", "update")); err != nil {
		logger.Warningf("refreshing package index: %v", err)
	} else if !res.Success() {
		logger.Warningf("refreshing package index exited with status %d", res.ExitCode)
	}

	res, err := a.runOK(ctx, process.NewCommand(aptListTimeout, "apt", "list", "--upgradable"))
	if err != nil {
		logger.Errorf("Error checking updates: %v", err)
		return updates, errors.Annotate(err, "checking updates")
	}
	return parseUpgradable(res.Stdout, item), nil
}

// Upgrade upgrades item, or all packages when item is empty.
func (a *AppUpgrader) Upgrade(ctx context.Context, item string, dryRun bool) (*UpgradeResult, error) {
	result := newUpgradeResult(a.Name(), item, dryRun)
	if !a.CheckAvailable(ctx) {
		return result.fail(unavailable("package manager"))
	}
	if a.manager != Apt {
		return result.fail(errors.NotSupportedf("upgrade with %s", a.manager))
	}

	cmd := a.upgradeCommand(item, dryRun)
	result.Actions = append(result.Actions, cmd.String())
	logger.Infof("Running: %s", cmd)

	if dryRun {
		result.Success = true
		result.Message = "Dry run - no actual upgrade performed"
		logger.Infof("%s", result.Message)
		return result, nil
	}

	if _, err := a.runOK(ctx, cmd); err != nil {
		return result.fail(errors.Annotate(err, "upgrading packages"))
	}
	result.Success = true
	if item != "" {
		result.Completed = []string{item}
		result.Message = "Upgraded " + item
	} else {
		result.Message = "Upgraded all packages"
	}
	return result, nil
}

func (a *AppUpgrader) upgradeCommand(item string, dryRun bool) process.Command {
	args := []string{"apt"}
	if dryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, "upgrade")
	if item != "" {
		args = append(args, item)
		if a.configBool("auto_confirm") {
			args = append(args, "-y")
		}
	} else {
		args = append(args, "-y")
	}
	return process.NewCommand(aptUpgradeTimeout, "sudo", args...).Streamed()
}

// parseSelections extracts package names from dpkg --get-selections output,
// keeping only packages in the install state. The state field is compared
// whole: a substring match would also keep "deinstall" entries, which are
// packages removed with their configuration left behind.
func parseSelections(out string) []string {
	packages := []string{}
	for _, line := range splitLines(out) {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[len(fields)-1] != "install" {
			continue
		}
		packages = append(packages, fields[0])
	}
	return packages
}

// parseUpgradable parses apt list --upgradable output, skipping the
// "Listing..." header.
func parseUpgradable(out string, item string) map[string]string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	return parseUpgradableLines(lines, item)
}

// parseUpgradableLines parses header-less lines such as
// "pkgA/stable 2.0 amd64 [upgradable from: 1.0]".
func parseUpgradableLines(lines []string, item string) map[string]string {
	updates := map[string]string{}
	for _, line := range lines {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		name, _, _ := strings.Cut(parts[0], "/")
		if item == "" || name == item {
			updates[name] = parts[1]
		}
	}
	return updates
}
