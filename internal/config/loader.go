package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AUTOPILOT_PARALLEL or
// AUTOPILOT_STORE_DSN.
const EnvPrefix = "AUTOPILOT"

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"parallel":                  "parallel",
	"task-delay":                "task_delay",
	"timeout":                   "timeout",
	"max-retries":               "max_retries",
	"circuit-breaker-threshold": "circuit_breaker_threshold",
	"max-iterations":            "max_iterations",
	"parallel-failure-mode":     "parallel_failure_mode",
	"dry-run":                   "dry_run",
	"work-dir":                  "work_dir",
	"feature":                   "filter.feature",
	"parent":                    "filter.parent",
	"priority":                  "filter.priorities",
	"store":                     "store.backend",
	"store-path":                "store.path",
	"dsn":                       "store.dsn",
	"queue-dir":                 "queue.dir",
	"no-queue":                  "",
	"agent-command":             "agent.command",
	"ops-addr":                  "ops.addr",
	"log-level":                 "logging.level",
	"log-format":                "logging.format",
}

type loadOptions struct {
	configPath  string
	searchPaths []string
	flags       *pflag.FlagSet
}

// Option customises Load.
type Option func(*loadOptions)

// WithConfigPath reads the given file; it must exist.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = strings.TrimSpace(path)
	}
}

// WithSearchPaths overrides the directories searched for autopilot.yaml.
func WithSearchPaths(paths ...string) Option {
	return func(o *loadOptions) {
		o.searchPaths = paths
	}
}

// WithFlags binds the flags named in FlagKeys. Only flags set on the command
// line take precedence over the file and environment.
func WithFlags(flags *pflag.FlagSet) Option {
	return func(o *loadOptions) {
		o.flags = flags
	}
}

// Load resolves the configuration and validates it.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{searchPaths: []string{"."}}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	if err := loadDotenv(options.searchPaths); err != nil {
		return Config{}, err
	}

	v := viper.New()
	for key, value := range defaultValues() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readFile(v, options); err != nil {
		return Config{}, err
	}
	if err := bindFlags(v, options.flags); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if options.flags != nil {
		if f := options.flags.Lookup("no-queue"); f != nil && f.Changed {
			cfg.Queue.Enabled = false
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadDotenv exports variables from the first .env file found in paths.
// Variables already present in the environment win.
func loadDotenv(paths []string) error {
	for _, dir := range paths {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		return nil
	}
	return nil
}

func readFile(v *viper.Viper, options loadOptions) error {
	if options.configPath != "" {
		v.SetConfigFile(options.configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", options.configPath, err)
		}
		return nil
	}

	v.SetConfigName(strings.TrimSuffix(DefaultFileName, ".yaml"))
	v.SetConfigType("yaml")
	for _, dir := range options.searchPaths {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	for name, key := range FlagKeys {
		if key == "" {
			continue
		}
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}
