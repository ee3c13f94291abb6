package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/geniusdynamics/upgradeapp/internal/api"
	"github.com/geniusdynamics/upgradeapp/internal/backup"
	"github.com/geniusdynamics/upgradeapp/internal/config"
	"github.com/geniusdynamics/upgradeapp/internal/logging"
	"github.com/geniusdynamics/upgradeapp/internal/process"
	"github.com/geniusdynamics/upgradeapp/internal/queue"
	"github.com/geniusdynamics/upgradeapp/internal/service"
	"github.com/geniusdynamics/upgradeapp/internal/updater"
)

var logger = loggo.GetLogger("upgradeapp.server")

const (
	queueSize       = 100
	shutdownTimeout = 10 * time.Second
)

func main() {
	addr := flag.String("listen", ":3000", "Address to listen on")
	configPath := flag.String("config", config.GetConfigPath(), "Path to configuration file")
	flag.Parse()

	if err := run(*addr, *configPath); err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
}

func run(addr, configPath string) error {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return errors.Trace(err)
	}
	if err := logging.Setup(conf.GetString(config.KeyLogLevel, "INFO"), os.Stderr); err != nil {
		return errors.Trace(err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		logger.Warningf("creating configuration directory: %v", err)
	}
	watcher, err := config.NewWatcher(conf)
	if err != nil {
		logger.Warningf("configuration changes will not be applied live: %v", err)
	} else {
		watcher.OnChange(applyLogLevel)
		watcher.Start()
		defer func() { _ = watcher.Stop() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := newRunner()
	svc := service.NewUpgradeService(updater.DefaultRegistry(), runner, conf, backup.NewLazy(conf.BackupDir()))

	// One worker keeps upgrades sequential.
	jobs := queue.New(queueSize)
	jobs.Start(ctx, 1)
	defer jobs.Stop()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	api.NewHandler(svc, jobs).Register(app)
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("upgradeapp")
	})

	errc := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", addr)
		errc <- app.Listen(addr)
	}()

	select {
	case err := <-errc:
		return errors.Annotate(err, "serving")
	case <-ctx.Done():
		logger.Infof("shutting down")
	}
	return errors.Trace(app.ShutdownWithTimeout(shutdownTimeout))
}

// newRunner builds the runner for upgrade jobs. The server has no terminal,
// so commands must not wait on stdin.
func newRunner() *process.ExecRunner {
	return process.NewBackgroundRunner(os.Stderr)
}

func applyLogLevel(c *config.Config) {
	name := c.GetString(config.KeyLogLevel, "INFO")
	level, err := logging.ParseLevel(name)
	if err != nil {
		logger.Warningf("ignoring log_level: %v", err)
		return
	}
	logging.SetLevel(level)
	logger.Infof("log level set to %s", level)
}
