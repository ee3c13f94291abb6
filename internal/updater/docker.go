package updater

import "github.com/geniusdynamics/upgradeapp/internal/process"

// NewDockerUpgrader creates an upgrader for Docker containers and images.
func NewDockerUpgrader(runner process.Runner, cfg map[string]any) *ContainerUpgrader {
	return NewContainerUpgrader(DockerBackend, runner, cfg)
}
