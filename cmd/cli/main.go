package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"

	"github.com/geniusdynamics/upgradeapp/internal/backup"
	"github.com/geniusdynamics/upgradeapp/internal/config"
	"github.com/geniusdynamics/upgradeapp/internal/logging"
	"github.com/geniusdynamics/upgradeapp/internal/process"
	"github.com/geniusdynamics/upgradeapp/internal/service"
	"github.com/geniusdynamics/upgradeapp/internal/updater"
)

var logger = loggo.GetLogger("upgradeapp.cli")

// newRunner builds the process runner used by every command. Streamed
// commands echo their output to the CLI's writers.
var newRunner = func(stdout, stderr io.Writer) process.Runner {
	r := process.NewExecRunner()
	r.Stdout = stdout
	r.Stderr = stderr
	return r
}

func main() {
	runMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

// SilentExitError reports an exit code for a failure already shown to the user.
type SilentExitError struct {
	Code int
}

func (e *SilentExitError) Error() string {
	return fmt.Sprintf("exit %d", e.Code)
}

// execute runs the CLI command with the provided args and output writers.
func execute(args []string, stdout io.Writer, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(stdout, stderr)
	if len(args) > 1 {
		cmd.SetArgs(args[1:])
	} else {
		cmd.SetArgs([]string{})
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

// runMain executes the CLI, exiting with status 1 on any error.
func runMain(args []string, stdout io.Writer, stderr io.Writer, exit func(int)) {
	err := execute(args, stdout, stderr)
	if err == nil {
		return
	}
	var silent *SilentExitError
	if errors.As(err, &silent) {
		exit(silent.Code)
		return
	}
	_, _ = fmt.Fprintln(stderr, color.RedString("Error: %v", err))
	exit(1)
}

// cli holds the global flags and the state loaded before every command.
type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	logLevel   string
	conf       *config.Config
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "upgradeapp",
		Short:         "Upgrade applications, Docker, and Podman containers",
		Long:          `Inventory and upgrade system packages, Docker containers and Podman containers on this host.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to configuration file (default "+config.GetConfigPath()+")")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Logging level (DEBUG, INFO, WARNING, ERROR, CRITICAL)")

	root.AddCommand(
		c.newListCmd(),
		c.newCheckCmd(),
		c.newUpgradeCmd(),
		c.newBackendsCmd(),
		c.newBackupsCmd(),
		c.newConfigCmd(),
	)
	return root
}

func (c *cli) path() string {
	if c.configPath != "" {
		return c.configPath
	}
	return config.GetConfigPath()
}

func (c *cli) setup() error {
	conf, err := config.LoadConfig(c.path())
	if err != nil {
		return errors.Annotate(err, "loading configuration")
	}
	c.conf = conf

	level := c.logLevel
	if level == "" {
		level = conf.GetString(config.KeyLogLevel, "INFO")
	}
	return errors.Trace(logging.Setup(level, c.stderr))
}

func (c *cli) service() *service.UpgradeService {
	var snapshotter service.Snapshotter
	if c.conf.GetBool(config.KeyBackupBeforeUpgrade, true) {
		snapshotter = backup.NewLazy(c.conf.BackupDir())
	}
	return service.NewUpgradeService(updater.DefaultRegistry(), newRunner(c.stdout, c.stderr), c.conf, snapshotter)
}

func (c *cli) println(a ...any) {
	_, _ = fmt.Fprintln(c.stdout, a...)
}

func (c *cli) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(c.stdout, format, a...)
}
