package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geniusdynamics/upgradeapp/internal/config"
	"github.com/geniusdynamics/upgradeapp/internal/queue"
	"github.com/geniusdynamics/upgradeapp/internal/service"
	"github.com/geniusdynamics/upgradeapp/internal/testutil"
	"github.com/geniusdynamics/upgradeapp/internal/updater"
)

func newTestApp(t *testing.T, runner *testutil.FakeRunner) (*fiber.App, *queue.Queue) {
	t.Helper()
	conf := config.New()
	conf.Set(config.KeyBackupBeforeUpgrade, false)
	svc := service.NewUpgradeService(updater.DefaultRegistry(), runner, conf, nil)

	q := queue.New(8)
	q.Start(context.Background(), 1)
	t.Cleanup(q.Stop)

	app := fiber.New()
	NewHandler(svc, q).Register(app)
	return app, q
}

func dockerRunner() *testutil.FakeRunner {
	return testutil.NewFakeRunner().
		OnOutput("docker --version", "Docker version 27.0.3\n").
		OnOutput("docker ps -a --format {{.Names}}", "web\n")
}

func do(t *testing.T, app *fiber.App, method, target, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestListBackends(t *testing.T) {
	app, _ := newTestApp(t, dockerRunner())

	status, body := do(t, app, http.MethodGet, "/api/backends", "")
	assert.Equal(t, http.StatusOK, status)
	var statuses []service.BackendStatus
	require.NoError(t, json.Unmarshal(body, &statuses))
	assert.Equal(t, []service.BackendStatus{
		{Name: "app", Available: false},
		{Name: "docker", Available: true},
		{Name: "podman", Available: false},
	}, statuses)
}

func TestListItems(t *testing.T) {
	app, _ := newTestApp(t, dockerRunner())

	status, body := do(t, app, http.MethodGet, "/api/backends/docker/items", "")
	assert.Equal(t, http.StatusOK, status)
	var res service.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Success)
	assert.Equal(t, []string{"web"}, res.Items)
}

func TestCheckUpdatesWithItem(t *testing.T) {
	runner := dockerRunner().OnOutput("docker pull nginx:1.25", "Status: Image is up to date for nginx:1.25\n")
	app, _ := newTestApp(t, runner)

	status, body := do(t, app, http.MethodGet, "/api/backends/docker/updates?item=nginx:1.25", "")
	assert.Equal(t, http.StatusOK, status)
	var res service.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Empty(t, res.Updates)
	assert.Equal(t, "No updates available", res.Message)
}

func TestErrorStatuses(t *testing.T) {
	app, _ := newTestApp(t, testutil.NewFakeRunner())

	status, body := do(t, app, http.MethodGet, "/api/backends/podman/items", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, string(body), "Podman is not available on this system")

	status, _ = do(t, app, http.MethodGet, "/api/backends/snap/items", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodPost, "/api/backends/snap/upgrade", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, http.MethodGet, "/api/jobs/01ARZ3NDEKTSV4RRFFQ69G5FAV", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, app, http.MethodPost, "/api/backends/docker/upgrade", "{not json")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestUpgradeIsQueued(t *testing.T) {
	runner := dockerRunner()
	app, q := newTestApp(t, runner)

	status, body := do(t, app, http.MethodPost, "/api/backends/docker/upgrade", `{"item":"web","dry_run":true}`)
	require.Equal(t, http.StatusAccepted, status, string(body))
	var accepted struct {
		Job queue.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(body, &accepted))
	assert.Equal(t, "upgrade docker: web (dry run)", accepted.Job.Description)

	require.Eventually(t, func() bool {
		job, err := q.Get(accepted.Job.ID)
		return err == nil && job.Status == queue.StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	status, body = do(t, app, http.MethodGet, "/api/jobs/"+accepted.Job.ID, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"status":"succeeded"`)
	assert.False(t, runner.CalledWithPrefix("docker stop"))

	status, body = do(t, app, http.MethodGet, "/api/jobs", "")
	assert.Equal(t, http.StatusOK, status)
	var jobs []queue.Job
	require.NoError(t, json.Unmarshal(body, &jobs))
	assert.Len(t, jobs, 1)
}

func TestProgressRequiresUpgrade(t *testing.T) {
	app, _ := newTestApp(t, dockerRunner())

	status, _ := do(t, app, http.MethodGet, "/ws/progress", "")
	assert.Equal(t, http.StatusUpgradeRequired, status)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(errors.NotValidf("action")))
	assert.Equal(t, http.StatusBadRequest, statusFor(errors.NotSupportedf("backend")))
	assert.Equal(t, http.StatusNotFound, statusFor(errors.NotFoundf("job")))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errors.Annotate(updater.ErrUnavailable, "docker")))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(errors.Timeoutf("pull")))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
