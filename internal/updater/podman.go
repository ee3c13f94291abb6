package updater

import "github.com/geniusdynamics/upgradeapp/internal/process"

// NewPodmanUpgrader creates an upgrader for Podman containers and images.
// Podman accepts the same subcommands and format templates as Docker.
func NewPodmanUpgrader(runner process.Runner, cfg map[string]any) *ContainerUpgrader {
	return NewContainerUpgrader(PodmanBackend, runner, cfg)
}
