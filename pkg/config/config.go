package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jsclaw/jsclaw/pkg/log"
	"gopkg.in/yaml.v3"
)

// Config is the process-wide set of knobs jsclaw's components read
// from. Zero values are never meaningful here: Load always returns a
// fully-populated Config, falling back to defaultConfig for anything
// not set by file, env, or an explicit override.
type Config struct {
	ContainerImage      string        `yaml:"container_image"`
	ContainerRuntime    string        `yaml:"container_runtime"`
	ContainerTimeout    time.Duration `yaml:"-"`
	ContainerTimeoutMS  int           `yaml:"container_timeout_ms"`
	MaxOutputSize       int           `yaml:"max_output_size"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	IPCPollInterval     time.Duration `yaml:"-"`
	IPCPollIntervalMS   int           `yaml:"ipc_poll_interval_ms"`
	DataDir             string        `yaml:"data_dir"`
	GroupsDir           string        `yaml:"groups_dir"`
	MountAllowlist      string        `yaml:"mount_allowlist"`
	LogLevel            log.Level     `yaml:"log_level"`
	AnthropicAPIKey     string        `yaml:"-"`
}

// Overrides holds explicit programmatic values, e.g. CLI flags, which
// take priority over everything Load reads from a file or environment.
// A nil or zero field means "not overridden."
type Overrides struct {
	ContainerImage   *string
	ContainerRuntime *string
	ContainerTimeout *time.Duration
	MaxOutputSize    *int
	MaxConcurrent    *int
	IPCPollInterval  *time.Duration
	DataDir          *string
	GroupsDir        *string
	MountAllowlist   *string
	LogLevel         *log.Level
}

func defaultConfig() Config {
	return Config{
		ContainerImage:     "jsclaw/agent:latest",
		ContainerRuntime:   "docker",
		ContainerTimeoutMS: 10 * 60 * 1000,
		MaxOutputSize:      10 * 1024 * 1024,
		MaxConcurrent:      3,
		IPCPollIntervalMS:  2000,
		DataDir:            "./data",
		GroupsDir:          "./groups",
		LogLevel:           log.InfoLevel,
	}
}

// Load resolves a Config from, in increasing priority: built-in
// defaults, the YAML file at JSCLAW_CONFIG_FILE (if set and present),
// process environment variables, then overrides.
func Load(overrides Overrides) (Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("JSCLAW_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyOverrides(&cfg, overrides)

	cfg.ContainerTimeout = time.Duration(cfg.ContainerTimeoutMS) * time.Millisecond
	cfg.IPCPollInterval = time.Duration(cfg.IPCPollIntervalMS) * time.Millisecond

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("JSCLAW_CONTAINER_IMAGE"); v != "" {
		cfg.ContainerImage = v
	}
	if v := os.Getenv("JSCLAW_CONTAINER_RUNTIME"); v != "" {
		cfg.ContainerRuntime = v
	}
	if v := envInt("JSCLAW_CONTAINER_TIMEOUT"); v != nil {
		cfg.ContainerTimeoutMS = *v
	}
	if v := envInt("JSCLAW_MAX_OUTPUT_SIZE"); v != nil {
		cfg.MaxOutputSize = *v
	}
	if v := envInt("JSCLAW_MAX_CONCURRENT"); v != nil {
		cfg.MaxConcurrent = *v
	}
	if v := envInt("JSCLAW_IPC_POLL_INTERVAL"); v != nil {
		cfg.IPCPollIntervalMS = *v
	}
	if v := os.Getenv("JSCLAW_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("JSCLAW_GROUPS_DIR"); v != "" {
		cfg.GroupsDir = v
	}
	if v := os.Getenv("JSCLAW_MOUNT_ALLOWLIST"); v != "" {
		cfg.MountAllowlist = v
	}
	if v := os.Getenv("JSCLAW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = log.Level(v)
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.AnthropicAPIKey = v
	}
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.ContainerImage != nil {
		cfg.ContainerImage = *o.ContainerImage
	}
	if o.ContainerRuntime != nil {
		cfg.ContainerRuntime = *o.ContainerRuntime
	}
	if o.ContainerTimeout != nil {
		cfg.ContainerTimeoutMS = int(o.ContainerTimeout.Milliseconds())
	}
	if o.MaxOutputSize != nil {
		cfg.MaxOutputSize = *o.MaxOutputSize
	}
	if o.MaxConcurrent != nil {
		cfg.MaxConcurrent = *o.MaxConcurrent
	}
	if o.IPCPollInterval != nil {
		cfg.IPCPollIntervalMS = int(o.IPCPollInterval.Milliseconds())
	}
	if o.DataDir != nil {
		cfg.DataDir = *o.DataDir
	}
	if o.GroupsDir != nil {
		cfg.GroupsDir = *o.GroupsDir
	}
	if o.MountAllowlist != nil {
		cfg.MountAllowlist = *o.MountAllowlist
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
}

func envInt(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}
