package updater

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geniusdynamics/upgradeapp/internal/process"
	"github.com/geniusdynamics/upgradeapp/internal/testutil"
)

// concreteUpgrader is a minimal backend used to exercise Base.
type concreteUpgrader struct {
	Base
}

func (c *concreteUpgrader) Name() string                        { return "concrete" }
func (c *concreteUpgrader) CheckAvailable(context.Context) bool { return true }
func (c *concreteUpgrader) ListItems(context.Context) ([]string, error) {
	return []string{"item1", "item2"}, nil
}
func (c *concreteUpgrader) CheckUpdates(context.Context, string) (map[string]string, error) {
	return map[string]string{"item1": "v2.0"}, nil
}
func (c *concreteUpgrader) Upgrade(_ context.Context, item string, dryRun bool) (*UpgradeResult, error) {
	r := newUpgradeResult(c.Name(), item, dryRun)
	r.Success = true
	return r, nil
}

var _ Upgrader = (*concreteUpgrader)(nil)
var _ Upgrader = (*AppUpgrader)(nil)
var _ Upgrader = (*ContainerUpgrader)(nil)

func TestBaseWithoutConfig(t *testing.T) {
	u := &concreteUpgrader{Base: NewBase(nil, nil)}
	assert.Equal(t, map[string]any{}, u.Config())
	assert.NoError(t, u.Validate())
}

func TestBaseWithConfig(t *testing.T) {
	cfg := map[string]any{"k": "v"}
	u := &concreteUpgrader{Base: NewBase(nil, cfg)}
	assert.Equal(t, map[string]any{"k": "v"}, u.Config())

	cfg["k"] = "changed"
	got := u.Config()
	got["extra"] = true
	assert.Equal(t, map[string]any{"k": "v"}, u.Config())
}

func TestConcreteUpgraderContract(t *testing.T) {
	ctx := context.Background()
	u := &concreteUpgrader{Base: NewBase(nil, nil)}

	assert.True(t, u.CheckAvailable(ctx))

	items, err := u.ListItems(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"item1", "item2"}, items)

	updates, err := u.CheckUpdates(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "v2.0", updates["item1"])

	res, err := u.Upgrade(ctx, "", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestUnavailableBackendsReturnEmptyResults(t *testing.T) {
	ctx := context.Background()
	runner := testutil.NewFakeRunner()
	backends := []Upgrader{
		NewAppUpgrader(ctx, runner, nil),
		NewDockerUpgrader(runner, nil),
		NewPodmanUpgrader(runner, nil),
	}

	for _, u := range backends {
		t.Run(u.Name(), func(t *testing.T) {
			assert.False(t, u.CheckAvailable(ctx))

			items, err := u.ListItems(ctx)
			assert.Empty(t, items)
			assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)

			updates, err := u.CheckUpdates(ctx, "")
			assert.Empty(t, updates)
			assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)

			res, err := u.Upgrade(ctx, "", true)
			require.Error(t, err)
			require.NotNil(t, res)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Message)
		})
	}
}

func TestRegistryDefaults(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"app", "docker", "podman"}, r.Names())
	assert.True(t, r.Has("Docker"))
	assert.False(t, r.Has("snap"))
}

func TestRegistryNew(t *testing.T) {
	ctx := context.Background()
	runner := testutil.NewFakeRunner()
	r := DefaultRegistry()

	u, err := r.New(ctx, "PODMAN", runner, map[string]any{"dry_run": true})
	require.NoError(t, err)
	assert.Equal(t, "podman", u.Name())
	assert.Equal(t, map[string]any{"dry_run": true}, u.Config())

	_, err = r.New(ctx, "flatpak", runner, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotSupported), "got %v", err)
	assert.Contains(t, err.Error(), "unsupported backend")
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	ctor := func(_ context.Context, runner process.Runner, cfg map[string]any) (Upgrader, error) {
		return NewContainerUpgrader("", runner, cfg), nil
	}
	require.NoError(t, r.Register("broken", ctor))

	err := r.Register("BROKEN", ctor)
	assert.True(t, errors.Is(err, errors.AlreadyExists), "got %v", err)

	err = r.Register(" ", ctor)
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)

	_, err = r.New(context.Background(), "broken", testutil.NewFakeRunner(), nil)
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
}
