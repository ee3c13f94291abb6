package updater

import (
	"context"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geniusdynamics/upgradeapp/internal/testutil"
)

func dockerRunner() *testutil.FakeRunner {
	return testutil.NewFakeRunner().OnOutput("docker --version", "Docker version 27.0.3, build 7d4bcd8\n")
}

func TestContainerCheckAvailable(t *testing.T) {
	ctx := context.Background()
	assert.True(t, NewDockerUpgrader(dockerRunner(), nil).CheckAvailable(ctx))

	failing := testutil.NewFakeRunner().OnExit("docker --version", 1, "")
	assert.False(t, NewDockerUpgrader(failing, nil).CheckAvailable(ctx))

	timedOut := testutil.NewFakeRunner().OnError("docker --version", errors.Timeoutf("docker --version"))
	assert.False(t, NewDockerUpgrader(timedOut, nil).CheckAvailable(ctx))

	missing := testutil.NewFakeRunner()
	assert.False(t, NewDockerUpgrader(missing, nil).CheckAvailable(ctx))
}

func TestContainerListItems(t *testing.T) {
	ctx := context.Background()
	runner := dockerRunner().OnOutput("docker ps -a --format {{.Names}}", "web\n\ndb\n")

	items, err := NewDockerUpgrader(runner, nil).ListItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"web", "db"}, items)
}

func TestContainerListItemsEmpty(t *testing.T) {
	ctx := context.Background()
	runner := dockerRunner().OnOutput("docker ps -a --format {{.Names}}", "")

	items, err := NewDockerUpgrader(runner, nil).ListItems(ctx)
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}

func TestFilterImages(t *testing.T) {
	got := filterImages([]string{"repoA:latest", "<none>:<none>", "repoB:1.0", ""})
	assert.Equal(t, []string{"repoA:latest", "repoB:1.0"}, got)
}

func TestContainerListImages(t *testing.T) {
	ctx := context.Background()
	runner := dockerRunner().OnOutput("docker images --format {{.Repository}}:{{.Tag}}", "repoA:latest\n<none>:<none>\nrepoB:1.0\n\n")

	images, err := NewDockerUpgrader(runner, nil).ListImages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"repoA:latest", "repoB:1.0"}, images)
}

func TestContainerCheckUpdates(t *testing.T) {
	ctx := context.Background()
	runner := dockerRunner().
		OnOutput("docker images --format {{.Repository}}:{{.Tag}}", "repoA:latest\nrepoB:1.0\nrepoC:2\nrepoD:3\n").
		OnOutput("docker pull repoA:latest", "latest: Pulling from repoA\nStatus: Image is up to date for repoA:latest\n").
		OnOutput("docker pull repoB:1.0", "1.0: Pulling from repoB\nStatus: Downloaded newer image for repoB:1.0\n").
		OnExit("docker pull repoC:2", 1, "manifest unknown").
		OnError("docker pull repoD:3", errors.Timeoutf("docker pull repoD:3"))

	updates, err := NewDockerUpgrader(runner, nil).CheckUpdates(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"repoB:1.0": "latest"}, updates)
}

func TestContainerCheckUpdatesSingleImage(t *testing.T) {
	ctx := context.Background()
	runner := dockerRunner().OnOutput("docker pull nginx:1.25", "Status: Downloaded newer image for nginx:1.25\n")

	updates, err := NewDockerUpgrader(runner, nil).CheckUpdates(ctx, "nginx:1.25")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"nginx:1.25": "latest"}, updates)
	assert.False(t, runner.CalledWithPrefix("docker images"))
}

func TestContainerUpgradeDryRunRunsNothingMutating(t *testing.T) {
	ctx := context.Background()
	runner := dockerRunner().OnOutput("docker ps -a --format {{.Names}}", "web\ndb\n")

	res, err := NewDockerUpgrader(runner, nil).Upgrade(ctx, "", true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{
		"Would pull latest image for web",
		"Would recreate container web",
		"Would pull latest image for db",
		"Would recreate container db",
	}, res.Actions)

	for _, line := range runner.CommandLines() {
		for _, verb := range []string{"docker pull", "docker stop", "docker rm", "docker inspect"} {
			assert.False(t, strings.HasPrefix(line, verb), "unexpected %q", line)
		}
	}
}

func TestContainerUpgradeStopFailureSkipsContainer(t *testing.T) {
	ctx := context.Background()
	runner := dockerRunner().
		OnOutput("docker ps -a --format {{.Names}}", "web\ndb\n").
		OnOutput("docker inspect --format {{.Config.Image}} web", "nginx:1.25\n").
		OnOutput("docker inspect --format {{.Config.Image}} db", "postgres:16\n").
		OnOutput("docker pull nginx:1.25", "").
		OnOutput("docker pull postgres:16", "").
		OnExit("docker stop web", 1, "Error response from daemon").
		OnOutput("docker stop db", "db\n").
		OnOutput("docker rm db", "db\n")

	res, err := NewDockerUpgrader(runner, nil).Upgrade(ctx, "", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"db"}, res.Completed)
	assert.False(t, runner.Called("docker rm web"))
	assert.True(t, runner.Called("docker rm db"))

	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "Failed to stop container web")
}

func TestContainerUpgradePullFailureSkipsContainer(t *testing.T) {
	ctx := context.Background()
	runner := dockerRunner().
		OnOutput("docker inspect --format {{.Config.Image}} web", "nginx:1.25\n").
		OnError("docker pull nginx:1.25", errors.Timeoutf("docker pull nginx:1.25"))

	res, err := NewDockerUpgrader(runner, nil).Upgrade(ctx, "web", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Completed)
	assert.False(t, runner.Called("docker stop web"))
	assert.Contains(t, res.Warnings[0], "Failed to pull image nginx:1.25")
}

func TestContainerUpgradeNeverRecreates(t *testing.T) {
	ctx := context.Background()
	runner := dockerRunner().
		OnOutput("docker inspect --format {{.Config.Image}} web", "nginx:1.25\n").
		OnOutput("docker pull nginx:1.25", "").
		OnOutput("docker stop web", "").
		OnOutput("docker rm web", "")

	res, err := NewDockerUpgrader(runner, nil).Upgrade(ctx, "web", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"docker pull nginx:1.25", "docker stop web", "docker rm web"}, res.Actions)
	assert.False(t, runner.CalledWithPrefix("docker run"))
	assert.False(t, runner.CalledWithPrefix("docker create"))
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "removed but not recreated")
}

func TestContainerUpgradeListFailureIsAWarning(t *testing.T) {
	for _, dryRun := range []bool{true, false} {
		runner := dockerRunner().OnExit("docker ps -a --format {{.Names}}", 1, "Cannot connect to the Docker daemon")

		res, err := NewDockerUpgrader(runner, nil).Upgrade(context.Background(), "", dryRun)
		require.NoError(t, err, "dry run %v", dryRun)
		assert.True(t, res.Success)
		assert.Empty(t, res.Completed)
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "Failed to list docker containers")
		assert.Contains(t, res.Warnings[0], "Cannot connect to the Docker daemon")
		assert.False(t, runner.CalledWithPrefix("docker inspect"))
		assert.False(t, runner.CalledWithPrefix("docker pull"))
	}
}

func TestContainerUpgradeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := dockerRunner()

	res, err := NewDockerUpgrader(runner, nil).Upgrade(ctx, "web", false)
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.False(t, runner.CalledWithPrefix("docker inspect"))
}

func TestPodmanUsesPodmanBinary(t *testing.T) {
	ctx := context.Background()
	runner := testutil.NewFakeRunner().
		OnOutput("podman --version", "podman version 5.0.0\n").
		OnOutput("podman ps -a --format {{.Names}}", "app\n")

	u := NewPodmanUpgrader(runner, nil)
	assert.Equal(t, "podman", u.Name())
	items, err := u.ListItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, items)
	assert.False(t, runner.CalledWithPrefix("docker"))
}
