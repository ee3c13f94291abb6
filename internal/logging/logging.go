// Package logging configures the loggo module loggers used across upgradeapp.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

// RootModule is the parent of every upgradeapp logger.
const RootModule = "upgradeapp"

var levelColors = map[loggo.Level]*color.Color{
	loggo.TRACE:    color.New(color.FgHiBlack),
	loggo.DEBUG:    color.New(color.FgHiBlack),
	loggo.INFO:     color.New(color.FgCyan),
	loggo.WARNING:  color.New(color.FgYellow),
	loggo.ERROR:    color.New(color.FgRed),
	loggo.CRITICAL: color.New(color.FgRed, color.Bold),
}

// ParseLevel converts a configured level name (DEBUG, INFO, WARNING, ERROR,
// CRITICAL) into a loggo level.
func ParseLevel(name string) (loggo.Level, error) {
	level, ok := loggo.ParseLevel(strings.TrimSpace(name))
	if !ok || level == loggo.UNSPECIFIED {
		return loggo.UNSPECIFIED, errors.NotValidf("log level %q", name)
	}
	return level, nil
}

// Setup sends all log output to w and sets the root level.
func Setup(level string, w io.Writer) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(w, Formatter)); err != nil {
		return errors.Annotate(err, "installing log writer")
	}
	SetLevel(lvl)
	return nil
}

// SetLevel changes the level of the root logger.
func SetLevel(level loggo.Level) {
	loggo.GetLogger("").SetLogLevel(level)
}

// Formatter renders an entry as "15:04:05 LEVEL module message".
func Formatter(entry loggo.Entry) string {
	label := entry.Level.String()
	if c, ok := levelColors[entry.Level]; ok {
		label = c.Sprint(label)
	}
	module := strings.TrimPrefix(entry.Module, RootModule+".")
	return fmt.Sprintf("%s %s [%s] %s", entry.Timestamp.Format("15:04:05"), label, module, entry.Message)
}
