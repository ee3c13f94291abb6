package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("upgradeapp.config")

const (
	// EnvConfigPath overrides the default config file location.
	EnvConfigPath = "UPGRADEAPP_CONFIG"

	appDir         = "upgradeapp"
	configFileName = "config.json"
	backupDirName  = "backups"
)

// Well-known keys.
const (
	KeyUpgradeType         = "upgrade_type"
	KeyDryRun              = "dry_run"
	KeyAutoConfirm         = "auto_confirm"
	KeyLogLevel            = "log_level"
	KeyBackupBeforeUpgrade = "backup_before_upgrade"
	KeyBackupDir           = "backup_dir"
)

// DefaultValues returns the built-in configuration.
func DefaultValues() map[string]any {
	return map[string]any{
		KeyUpgradeType:         "app",
		KeyDryRun:              false,
		KeyAutoConfirm:         false,
		KeyLogLevel:            "INFO",
		KeyBackupBeforeUpgrade: true,
	}
}

// Config is a JSON backed key/value mapping layered over DefaultValues.
type Config struct {
	mu     sync.RWMutex
	values map[string]any
	path   string
}

// New creates a Config holding the defaults.
func New() *Config {
	return &Config{values: DefaultValues()}
}

// LoadConfig creates a Config from the defaults and merges the file at path
// when path is set and the file exists.
func LoadConfig(path string) (*Config, error) {
	c := New()
	if path == "" {
		return c, nil
	}
	c.path = path
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Debugf("config file %s does not exist, using defaults", path)
		return c, nil
	}
	if err := c.Load(path); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// Load merges the JSON object stored at path into the config. Keys missing
// from the file keep their current value.
func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Annotatef(err, "reading config %s", path)
	}
	loaded := map[string]any{}
	if err := json.Unmarshal(data, &loaded); err != nil {
		return errors.NewNotValid(err, fmt.Sprintf("parsing config %s", path))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range loaded {
		c.values[k] = v
	}
	c.path = path
	logger.Debugf("loaded %d keys from %s", len(loaded), path)
	return nil
}

// Save writes the config as indented JSON. An empty path falls back to the
// path the config was loaded from.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	if path == "" {
		path = c.path
	}
	data, err := json.MarshalIndent(c.values, "", "  ")
	c.mu.RUnlock()
	if path == "" {
		return errors.NotValidf("empty config path")
	}
	if err != nil {
		return errors.Annotate(err, "encoding config")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Annotatef(err, "creating config directory for %s", path)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return errors.Annotatef(err, "writing config %s", path)
	}

	c.mu.Lock()
	c.path = path
	c.mu.Unlock()
	return nil
}

// Get returns the value stored under key.
func (c *Config) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the string stored under key, or fallback.
func (c *Config) GetString(key, fallback string) string {
	if v, ok := c.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// GetBool returns the bool stored under key, or fallback.
func (c *Config) GetBool(key string, fallback bool) bool {
	if v, ok := c.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// Set stores value under key.
func (c *Config) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// ToMap returns a copy of all values.
func (c *Config) ToMap() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Path returns the file the config was loaded from or saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// BackupDir returns the snapshot repository location.
func (c *Config) BackupDir() string {
	return c.GetString(KeyBackupDir, DefaultBackupDir())
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// GetConfigPath returns the config file location.
func GetConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return getEnv(EnvConfigPath, filepath.Join(dir, appDir, configFileName))
}

// DefaultBackupDir returns the backups directory next to the config file.
func DefaultBackupDir() string {
	return filepath.Join(filepath.Dir(GetConfigPath()), backupDirName)
}

// CreateDefaultConfig writes the defaults to GetConfigPath.
func CreateDefaultConfig() (string, error) {
	path := GetConfigPath()
	return path, CreateDefaultConfigAt(path)
}

// CreateDefaultConfigAt writes the defaults to path unless a file is already
// there.
func CreateDefaultConfigAt(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.AlreadyExistsf("config file %s", path)
	}
	return errors.Trace(New().Save(path))
}

// PrintConfig writes one "key: value" line per setting, sorted by key.
func PrintConfig(w io.Writer, c *Config) {
	values := c.ToMap()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s: %v\n", k, values[k])
	}
}
