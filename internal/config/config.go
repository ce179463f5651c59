// Package config loads quickanim settings from defaults, an optional YAML
// file, QUICKANIM_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "QUICKANIM"

// DefaultURLTemplate points at python-build-standalone install_only archives.
const DefaultURLTemplate = "https://github.com/astral-sh/python-build-standalone/releases/download/{{.Release}}/cpython-{{.PythonVersion}}+{{.Release}}-{{.Triple}}-install_only.tar.gz"

// Config holds all configuration values for the application.
type Config struct {
	// Per-user installation root (runtime, engine, metadata record)
	InstallDir string

	// Optional user-supplied interpreter that already hosts the engine
	PythonOverride string

	// Directory for default output paths
	OutputDir string

	LogLevel  string
	LogFormat string

	// OTLP collector address; tracing is disabled when empty
	OTELEndpoint string

	// Address for the Prometheus /metrics endpoint; disabled when empty
	MetricsAddr string

	Render    RenderConfig
	Locator   LocatorConfig
	Provision ProvisionConfig
}

// RenderConfig configures the render orchestrator.
type RenderConfig struct {
	Timeout     time.Duration
	GracePeriod time.Duration
	SceneName   string
	Renderer    string
}

// LocatorConfig configures runtime validation.
type LocatorConfig struct {
	ProbeTimeout     time.Duration
	MinEngineVersion string
}

// ProvisionConfig configures the runtime download and engine install.
type ProvisionConfig struct {
	PythonVersion  string
	Release        string
	URLTemplate    string
	SHA256         string
	Size           int64
	EnginePackage  string
	EngineVersion  string
	ExtraPackages  []string
	MinFreeBytes   int64
	InstallTimeout time.Duration
	LockTimeout    time.Duration

	// ExtrasUnlessOnPath skips ExtraPackages when this tool is on PATH.
	ExtrasUnlessOnPath string
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"install-dir":  "install_dir",
	"python":       "python",
	"output-dir":   "output_dir",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"metrics-addr": "metrics_addr",
	"timeout":      "render.timeout",
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("install_dir", filepath.Join(home, ".quickanimations"))
	v.SetDefault("python", "")
	v.SetDefault("output_dir", defaultOutputDir(home))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("render.timeout", 30*time.Minute)
	v.SetDefault("render.grace_period", 10*time.Second)
	v.SetDefault("render.scene_name", "LogoAnimation")
	v.SetDefault("render.renderer", "cairo")

	v.SetDefault("locator.probe_timeout", 20*time.Second)
	v.SetDefault("locator.min_engine_version", "0.17.0")

	v.SetDefault("provision.python_version", "3.11.9")
	v.SetDefault("provision.release", "20240726")
	v.SetDefault("provision.url_template", DefaultURLTemplate)
	v.SetDefault("provision.sha256", "")
	v.SetDefault("provision.size", 0)
	v.SetDefault("provision.engine_package", "manim")
	v.SetDefault("provision.engine_version", "0.18.1")
	v.SetDefault("provision.extra_packages", []string{"imageio[ffmpeg]"})
	v.SetDefault("provision.extras_unless_on_path", "ffmpeg")
	v.SetDefault("provision.min_free_bytes", int64(2<<30))
	v.SetDefault("provision.install_timeout", 15*time.Minute)
	v.SetDefault("provision.lock_timeout", 10*time.Minute)
}

// defaultOutputDir prefers ~/Desktop and falls back to the home directory.
func defaultOutputDir(home string) string {
	desktop := filepath.Join(home, "Desktop")
	if info, err := os.Stat(desktop); err == nil && info.IsDir() {
		return desktop
	}
	return home
}

// Load reads configuration. path may be empty, in which case
// $HOME/.quickanim.yaml is used when present. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
		v.SetConfigName(".quickanim")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{
		InstallDir:     expandHome(v.GetString("install_dir")),
		PythonOverride: expandHome(v.GetString("python")),
		OutputDir:      expandHome(v.GetString("output_dir")),
		LogLevel:       v.GetString("log.level"),
		LogFormat:      v.GetString("log.format"),
		OTELEndpoint:   v.GetString("otel.endpoint"),
		MetricsAddr:    v.GetString("metrics_addr"),
		Render: RenderConfig{
			Timeout:     v.GetDuration("render.timeout"),
			GracePeriod: v.GetDuration("render.grace_period"),
			SceneName:   v.GetString("render.scene_name"),
			Renderer:    v.GetString("render.renderer"),
		},
		Locator: LocatorConfig{
			ProbeTimeout:     v.GetDuration("locator.probe_timeout"),
			MinEngineVersion: v.GetString("locator.min_engine_version"),
		},
		Provision: ProvisionConfig{
			PythonVersion:  v.GetString("provision.python_version"),
			Release:        v.GetString("provision.release"),
			URLTemplate:    v.GetString("provision.url_template"),
			SHA256:         strings.ToLower(strings.TrimSpace(v.GetString("provision.sha256"))),
			Size:           v.GetInt64("provision.size"),
			EnginePackage:  v.GetString("provision.engine_package"),
			EngineVersion:  v.GetString("provision.engine_version"),
			ExtraPackages:  v.GetStringSlice("provision.extra_packages"),
			MinFreeBytes:   v.GetInt64("provision.min_free_bytes"),
			InstallTimeout: v.GetDuration("provision.install_timeout"),
			LockTimeout:    v.GetDuration("provision.lock_timeout"),

			ExtrasUnlessOnPath: v.GetString("provision.extras_unless_on_path"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.InstallDir) == "" {
		return required("install_dir")
	}
	if c.Render.Timeout <= 0 {
		return positive("render.timeout")
	}
	if c.Render.GracePeriod <= 0 {
		return positive("render.grace_period")
	}
	if c.Render.SceneName == "" {
		return required("render.scene_name")
	}
	if c.Locator.ProbeTimeout <= 0 {
		return positive("locator.probe_timeout")
	}
	if c.Provision.EnginePackage == "" {
		return required("provision.engine_package")
	}
	if c.Provision.SHA256 != "" && len(c.Provision.SHA256) != 64 {
		return fmt.Errorf("provision.sha256 must be a hex SHA-256 digest (env: %s)", envName("provision.sha256"))
	}
	if c.Provision.Size < 0 || c.Provision.MinFreeBytes < 0 {
		return fmt.Errorf("provision sizes must not be negative")
	}
	return nil
}

func required(key string) error {
	return fmt.Errorf("%s is required (env: %s)", key, envName(key))
}

func positive(key string) error {
	return fmt.Errorf("%s must be positive (env: %s)", key, envName(key))
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
