// Package config loads recorder settings from flags, the environment
// (HOOKREC_*) and an optional YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jnesss/hook-recorder/platform"
	"github.com/jnesss/hook-recorder/process"
	"github.com/jnesss/hook-recorder/types"
)

const EnvPrefix = "HOOKREC"

// Config is the full recorder configuration.
type Config struct {
	Schema           string        `mapstructure:"schema"`
	Object           string        `mapstructure:"object"`
	Hooks            []string      `mapstructure:"hooks"`
	LibpqPath        string        `mapstructure:"libpq_path"`
	TargetPattern    string        `mapstructure:"target_pattern"`
	TargetPID        int           `mapstructure:"target_pid"`
	DataDir          string        `mapstructure:"data_dir"`
	ListenAddr       string        `mapstructure:"listen_addr"`
	RulesDir         string        `mapstructure:"rules_dir"`
	ManifestDir      string        `mapstructure:"manifest_dir"`
	ManifestInterval time.Duration `mapstructure:"manifest_interval"`
	ServiceEnv       string        `mapstructure:"service_env"`
	OutputFile       string        `mapstructure:"output_file"`
	LogLevel         string        `mapstructure:"log_level"`
	RingCapacity     int           `mapstructure:"ring_capacity"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Schema:           types.SchemaGeneric.String(),
		Object:           "bpf/integration.bpf.o",
		DataDir:          "data",
		ListenAddr:       "localhost:8080",
		RulesDir:         "sigma",
		ManifestDir:      "manifests",
		ManifestInterval: 30 * time.Second,
		ServiceEnv:       process.DefaultServiceEnv,
		LogLevel:         "info",
		RingCapacity:     1 << 24,
	}
}

// New returns a viper instance seeded with Default and bound to the
// HOOKREC_ environment.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("schema", d.Schema)
	v.SetDefault("object", d.Object)
	v.SetDefault("hooks", []string{})
	v.SetDefault("libpq_path", d.LibpqPath)
	v.SetDefault("target_pattern", d.TargetPattern)
	v.SetDefault("target_pid", d.TargetPID)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("rules_dir", d.RulesDir)
	v.SetDefault("manifest_dir", d.ManifestDir)
	v.SetDefault("manifest_interval", d.ManifestInterval)
	v.SetDefault("service_env", d.ServiceEnv)
	v.SetDefault("output_file", d.OutputFile)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("ring_capacity", d.RingCapacity)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags registers the command's flags and binds them to v. Flag names
// use dashes; keys use underscores.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	d := Default()
	fs := cmd.Flags()
	fs.String("schema", d.Schema, "record schema (generic or narrow)")
	fs.String("object", d.Object, "compiled probe object")
	fs.StringSlice("hooks", nil, "hooks to attach (default all)")
	fs.String("libpq-path", "", "path to libpq.so.5 (resolved from the target when empty)")
	fs.String("target-pattern", "", "wait for a process whose command line contains this")
	fs.Int("target-pid", 0, "restrict the SQL uprobe to this pid")
	fs.String("data-dir", d.DataDir, "directory for the event database")
	fs.String("listen-addr", d.ListenAddr, "web API address (empty disables it)")
	fs.String("rules-dir", d.RulesDir, "sigma rules directory (empty disables detection)")
	fs.String("manifest-dir", d.ManifestDir, "integration manifest directory (empty disables manifests)")
	fs.Duration("manifest-interval", d.ManifestInterval, "how often manifests are flushed")
	fs.String("service-env", d.ServiceEnv, "environment variable naming a process's service")
	fs.String("output-file", "", "append decoded events to this file")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.Int("ring-capacity", d.RingCapacity, "in-process ring capacity in bytes")

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		err = multierr.Append(err, v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f))
	})
	return err
}

// Load reads the optional config file, unmarshals v and validates the
// result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	schema, serr := types.ParseSchema(c.Schema)
	err = multierr.Append(err, serr)
	if _, herr := c.ParsedHooks(); herr != nil {
		err = multierr.Append(err, herr)
	}
	if serr == nil && schema == types.SchemaNarrow && len(c.Hooks) > 0 {
		err = multierr.Append(err, fmt.Errorf("hooks cannot be selected with the narrow schema"))
	}
	if c.TargetPID < 0 {
		err = multierr.Append(err, fmt.Errorf("target_pid must not be negative"))
	}
	if c.RingCapacity < 64 || c.RingCapacity&(c.RingCapacity-1) != 0 {
		err = multierr.Append(err, fmt.Errorf("ring_capacity %d is not a power of two >= 64", c.RingCapacity))
	}
	if c.ManifestDir != "" && c.ManifestInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("manifest_interval must be positive"))
	}
	if c.DataDir == "" {
		err = multierr.Append(err, fmt.Errorf("data_dir is required"))
	}
	if _, lerr := zapcore.ParseLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log_level: %w", lerr))
	}
	return err
}

// ParsedHooks returns the selected hooks, nil meaning all of them.
func (c Config) ParsedHooks() ([]types.Hook, error) {
	var hooks []types.Hook
	for _, name := range c.Hooks {
		h, err := types.ParseHook(name)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}

// ParsedSchema returns the validated schema.
func (c Config) ParsedSchema() types.Schema {
	s, _ := types.ParseSchema(c.Schema)
	return s
}

// Platform returns the attachment settings. libpq is the resolved client
// library path.
func (c Config) Platform(libpq string) platform.Config {
	hooks, _ := c.ParsedHooks()
	return platform.Config{
		Object:    c.Object,
		Schema:    c.ParsedSchema(),
		Hooks:     hooks,
		LibpqPath: libpq,
		TargetPID: c.TargetPID,
	}
}

// Logger builds the process logger for the configured level.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	logConfig := zap.NewProductionConfig()
	if level == zapcore.DebugLevel {
		logConfig = zap.NewDevelopmentConfig()
	}
	logConfig.Level = zap.NewAtomicLevelAt(level)
	return logConfig.Build()
}
