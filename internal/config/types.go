package config

import "path/filepath"

type Config struct {
	// DataDir is the root of all durable state. ModulesDir and DBPath
	// default to subpaths of it when omitted.
	DataDir    string `json:"data_dir,omitempty"`
	ModulesDir string `json:"modules_dir,omitempty"`
	DBPath     string `json:"db_path,omitempty"`

	API     APIConfig     `json:"api"`
	Logging LoggingConfig `json:"logging"`
	Modules ModulesConfig `json:"modules"`
	Jobs    JobsConfig    `json:"jobs"`
}

type APIConfig struct {
	Addr string `json:"addr,omitempty"` // default: "127.0.0.1:8420"

	// AuthToken, when set, is required as "Authorization: Bearer <token>"
	// on every request (do not log).
	AuthToken string `json:"auth_token,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // TRACE/DEBUG/INFO/WARN/ERROR
	Console *bool  `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// ModulesConfig declares remote module sources for `sync`.
//
// Each source is a git repository plus optional subdirectory paths that
// contain one module each. An empty Modules list means the module lives
// at the repository root.
type ModulesConfig struct {
	Sources []SourceEntry `json:"sources,omitempty"`

	// SyncSchedule is a cron expression; when set, configured sources are
	// re-synced on that schedule. Empty disables periodic sync.
	SyncSchedule string `json:"sync_schedule,omitempty"`
}

type SourceEntry struct {
	Repo    string   `json:"repo"`
	Modules []string `json:"modules,omitempty"`
}

type JobsConfig struct {
	// DefaultMaxDuration bounds jobs started without an explicit limit.
	// Compact format: "<n>m", "<n>h" or "<n>d". Empty means unbounded.
	DefaultMaxDuration string `json:"default_max_duration,omitempty"`

	// LogEchoPerSec throttles mirroring of job logs into the process log.
	// Persistence and live subscribers are never throttled. Default 5.
	LogEchoPerSec int `json:"log_echo_per_sec,omitempty"`
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./jobmill-data"
	}
	if c.ModulesDir == "" {
		c.ModulesDir = filepath.Join(c.DataDir, "modules")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "jobmill.db")
	}
	if c.API.Addr == "" {
		c.API.Addr = "127.0.0.1:8420"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Jobs.LogEchoPerSec <= 0 {
		c.Jobs.LogEchoPerSec = 5
	}
}

// ConsoleEnabled defaults to true when the field is omitted.
func (c *Config) ConsoleEnabled() bool {
	if c.Logging.Console == nil {
		return true
	}
	return *c.Logging.Console
}
