package updater

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/geniusdynamics/upgradeapp/internal/process"
)

const (
	versionTimeout = 5 * time.Second
	listTimeout    = 30 * time.Second
	pullTimeout    = 300 * time.Second
	inspectTimeout = 10 * time.Second
	stopTimeout    = 60 * time.Second
	removeTimeout  = 30 * time.Second

	// upToDateMarker is printed by pull when the local image already matches the registry.
	upToDateMarker = "Image is up to date"
	noneImage      = "<none>:<none>"
	latestTag      = "latest"
)

// ContainerUpgrader upgrades containers through a docker-compatible CLI.
type ContainerUpgrader struct {
	Base
	binary string
}

// NewContainerUpgrader creates a ContainerUpgrader driving binary.
func NewContainerUpgrader(binary string, runner process.Runner, cfg map[string]any) *ContainerUpgrader {
	return &ContainerUpgrader{
		Base:   NewBase(runner, cfg),
		binary: binary,
	}
}

// Name returns the name of this upgrader.
func (c *ContainerUpgrader) Name() string {
	return c.binary
}

// Validate rejects an upgrader without a CLI binary.
func (c *ContainerUpgrader) Validate() error {
	if strings.TrimSpace(c.binary) == "" {
		return errors.NotValidf("empty container CLI binary")
	}
	return c.Base.Validate()
}

func (c *ContainerUpgrader) command(timeout time.Duration, args ...string) process.Command {
	return process.NewCommand(timeout, c.binary, args...)
}

// CheckAvailable reports whether "<binary> --version" succeeds.
func (c *ContainerUpgrader) CheckAvailable(ctx context.Context) bool {
	res, err := c.run(ctx, c.command(versionTimeout, "--version"))
	if err != nil {
		logger.Debugf("%s unavailable: %v", c.binary, err)
		return false
	}
	return res.Success()
}

// ListItems lists all containers, including stopped ones.
func (c *ContainerUpgrader) ListItems(ctx context.Context) ([]string, error) {
	if !c.CheckAvailable(ctx) {
		return []string{}, unavailable(c.binary)
	}
	res, err := c.runOK(ctx, c.command(listTimeout, "ps", "-a", "--format", "{{.Names}}"))
	if err != nil {
		logger.Errorf("Error listing %s containers: %v", c.binary, err)
		return []string{}, errors.Annotatef(err, "listing %s containers", c.binary)
	}
	return nonEmpty(splitLines(res.Stdout)), nil
}

// ListImages lists local images as repository:tag, skipping dangling images.
func (c *ContainerUpgrader) ListImages(ctx context.Context) ([]string, error) {
	if !c.CheckAvailable(ctx) {
		return []string{}, unavailable(c.binary)
	}
	res, err := c.runOK(ctx, c.command(listTimeout, "images", "--format", "{{.Repository}}:{{.Tag}}"))
	if err != nil {
		logger.Errorf("Error listing %s images: %v", c.binary, err)
		return []string{}, errors.Annotatef(err, "listing %s images", c.binary)
	}
	return filterImages(strings.Split(res.Stdout, "\n")), nil
}

// CheckUpdates pulls each image and reports the ones whose pull fetched
// something new. The value is always "latest": no version comparison is made.
func (c *ContainerUpgrader) CheckUpdates(ctx context.Context, item string) (map[string]string, error) {
	updates := map[string]string{}
	if !c.CheckAvailable(ctx) {
		return updates, unavailable(c.binary)
	}

	images := []string{item}
	if item == "" {
		var err error
		if images, err = c.ListImages(ctx); err != nil {
			return updates, errors.Trace(err)
		}
	}

	for _, image := range images {
		if err := ctx.Err(); err != nil {
			return updates, errors.Annotate(err, "checking updates")
		}
		logger.Infof("Checking for updates: %s", image)
		res, err := c.run(ctx, c.command(pullTimeout, "pull", image))
		if err != nil {
			logger.Warningf("Error checking updates for %s: %v", image, err)
			continue
		}
		if !res.Success() {
			logger.Warningf("Error checking updates for %s: pull exited with status %d: %s", image, res.ExitCode, trimOutput(res.Stderr))
			continue
		}
		if !strings.Contains(res.Stdout, upToDateMarker) {
			updates[image] = latestTag
		}
	}
	return updates, nil
}

// Upgrade pulls the latest image of each container, then stops and removes
// the container. Containers are not recreated: the operator has to recreate
// them with their original configuration. Listing and per-container
// failures are reported as warnings and do not fail the batch.
func (c *ContainerUpgrader) Upgrade(ctx context.Context, item string, dryRun bool) (*UpgradeResult, error) {
	result := newUpgradeResult(c.Name(), item, dryRun)
	if !c.CheckAvailable(ctx) {
		return result.fail(unavailable(c.binary))
	}

	containers := []string{item}
	if item == "" {
		var err error
		if containers, err = c.ListItems(ctx); err != nil {
			result.warn("Failed to list %s containers: %v", c.binary, err)
			containers = nil
		}
	}

	prefix := ""
	if dryRun {
		prefix = "[DRY RUN] "
	}
	for _, container := range containers {
		logger.Infof("%sUpgrading container: %s", prefix, container)
		if dryRun {
			result.plan("Would pull latest image for %s", container)
			result.plan("Would recreate container %s", container)
			continue
		}
		if err := ctx.Err(); err != nil {
			return result.fail(errors.Annotatef(err, "upgrading %s", container))
		}
		if c.upgradeContainer(ctx, container, result) {
			result.Completed = append(result.Completed, container)
		}
	}

	result.Success = true
	switch {
	case dryRun:
		result.Message = "Dry run - no containers changed"
	case len(result.Completed) == 0:
		result.Message = "No containers were upgraded"
	default:
		result.Message = fmt.Sprintf("%d container(s) removed and awaiting manual recreation", len(result.Completed))
	}
	return result, nil
}

// upgradeContainer runs inspect, pull, stop and rm for one container and
// reports whether the container was removed.
func (c *ContainerUpgrader) upgradeContainer(ctx context.Context, container string, result *UpgradeResult) bool {
	inspect := c.command(inspectTimeout, "inspect", "--format", "{{.Config.Image}}", container)
	res, err := c.runOK(ctx, inspect)
	if err != nil {
		result.warn("Failed to inspect container %s: %v", container, err)
		return false
	}
	image := strings.TrimSpace(res.Stdout)

	logger.Infof("  Pulling latest image: %s", image)
	if err := c.step(ctx, result, c.command(pullTimeout, "pull", image).Streamed()); err != nil {
		result.warn("Failed to pull image %s: %v", image, err)
		return false
	}

	logger.Infof("  Stopping container: %s", container)
	if err := c.step(ctx, result, c.command(stopTimeout, "stop", container)); err != nil {
		result.warn("Failed to stop container %s: %v", container, err)
		return false
	}

	logger.Infof("  Removing container: %s", container)
	if err := c.step(ctx, result, c.command(removeTimeout, "rm", container)); err != nil {
		result.warn("Failed to remove container %s: %v", container, err)
		return false
	}

	result.warn("Container %s has been removed but not recreated. You will need to manually recreate the container with its original configuration.", container)
	return true
}

// step runs and records a mutating command.
func (c *ContainerUpgrader) step(ctx context.Context, result *UpgradeResult, cmd process.Command) error {
	result.Actions = append(result.Actions, cmd.String())
	_, err := c.runOK(ctx, cmd)
	return err
}

// filterImages drops blank lines and dangling <none>:<none> images.
func filterImages(lines []string) []string {
	images := []string{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || line == noneImage {
			continue
		}
		images = append(images, line)
	}
	return images
}

func nonEmpty(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}
