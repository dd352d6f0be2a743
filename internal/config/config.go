// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Runner  RunnerConfig  `mapstructure:"runner" yaml:"runner"`
	Render  RenderConfig  `mapstructure:"render" yaml:"render"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig tunes the HTTP surface shared by both job services.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// AuthToken is the static bearer token accepted on /api/v1 routes.
	AuthToken string `mapstructure:"auth_token" yaml:"-"`
	// JWTSecret, when set, additionally accepts HS256 tokens signed with it.
	JWTSecret       string        `mapstructure:"jwt_secret" yaml:"-"`
	RequestsPerSec  float64       `mapstructure:"requests_per_sec" yaml:"requests_per_sec"`
	Burst           int           `mapstructure:"burst" yaml:"burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless   bool     `mapstructure:"headless" yaml:"headless"`
	NoSandbox  bool     `mapstructure:"no_sandbox" yaml:"no_sandbox"`
	DisableGPU bool     `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	Args       []string `mapstructure:"args" yaml:"args"`
}

// RunnerConfig is the configuration surface consumed by the job runner.
type RunnerConfig struct {
	AllowDomains         []string      `mapstructure:"allow_domains" yaml:"allow_domains"`
	StorageDir           string        `mapstructure:"storage_dir" yaml:"storage_dir"`
	OutputDir            string        `mapstructure:"output_dir" yaml:"output_dir"`
	TmpDir               string        `mapstructure:"tmp_dir" yaml:"tmp_dir"`
	ArtifactsRoutePrefix string        `mapstructure:"artifacts_route_prefix" yaml:"artifacts_route_prefix"`
	DefaultTimeout       time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	MaxTimeout           time.Duration `mapstructure:"max_timeout" yaml:"max_timeout"`
	MaxActionTimeout     time.Duration `mapstructure:"max_action_timeout" yaml:"max_action_timeout"`
	MaxActions           int           `mapstructure:"max_actions" yaml:"max_actions"`
	MaxUploadBytes       int64         `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
	UploadDownloadLimit  time.Duration `mapstructure:"upload_download_timeout" yaml:"upload_download_timeout"`
}

// RenderConfig tunes the media render worker.
type RenderConfig struct {
	FFmpegPath      string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	Width           int           `mapstructure:"width" yaml:"width"`
	Height          int           `mapstructure:"height" yaml:"height"`
	SecondsPerImage float64       `mapstructure:"seconds_per_image" yaml:"seconds_per_image"`
	MaxImages       int           `mapstructure:"max_images" yaml:"max_images"`
	MaxAssetBytes   int64         `mapstructure:"max_asset_bytes" yaml:"max_asset_bytes"`
	AssetTimeout    time.Duration `mapstructure:"asset_timeout" yaml:"asset_timeout"`
	RenderTimeout   time.Duration `mapstructure:"render_timeout" yaml:"render_timeout"`
	MaxConcurrent   int64         `mapstructure:"max_concurrent" yaml:"max_concurrent"`
}

// dataDir resolves the default data root under the user home, falling back
// to a relative directory when the home cannot be determined.
func dataDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ".stagehand"
	}
	return filepath.Join(home, ".stagehand")
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	root := dataDir()

	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "stagehand")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.listen_addr", ":8722")
	v.SetDefault("server.requests_per_sec", 5.0)
	v.SetDefault("server.burst", 10)
	v.SetDefault("server.shutdown_timeout", "30s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.disable_gpu", true)

	// -- Runner --
	v.SetDefault("runner.allow_domains", []string{})
	v.SetDefault("runner.storage_dir", filepath.Join(root, "sessions"))
	v.SetDefault("runner.output_dir", filepath.Join(root, "artifacts"))
	v.SetDefault("runner.tmp_dir", filepath.Join(root, "tmp"))
	v.SetDefault("runner.artifacts_route_prefix", "/artifacts")
	v.SetDefault("runner.default_timeout", "60s")
	v.SetDefault("runner.max_timeout", "10m")
	v.SetDefault("runner.max_action_timeout", "2m")
	v.SetDefault("runner.max_actions", 50)
	v.SetDefault("runner.max_upload_bytes", 10*1024*1024)
	v.SetDefault("runner.upload_download_timeout", "30s")

	// -- Render --
	v.SetDefault("render.ffmpeg_path", "ffmpeg")
	v.SetDefault("render.width", 1080)
	v.SetDefault("render.height", 1920)
	v.SetDefault("render.seconds_per_image", 3.0)
	v.SetDefault("render.max_images", 30)
	v.SetDefault("render.max_asset_bytes", 25*1024*1024)
	v.SetDefault("render.asset_timeout", "45s")
	v.SetDefault("render.render_timeout", "5m")
	v.SetDefault("render.max_concurrent", 1)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	v.BindEnv("server.auth_token", "STAGEHAND_AUTH_TOKEN")
	v.BindEnv("server.jwt_secret", "STAGEHAND_JWT_SECRET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Runner.MaxActions <= 0 {
		return fmt.Errorf("runner.max_actions must be a positive integer")
	}
	if c.Runner.DefaultTimeout <= 0 {
		return fmt.Errorf("runner.default_timeout must be a positive duration")
	}
	if c.Runner.MaxTimeout < c.Runner.DefaultTimeout {
		return fmt.Errorf("runner.max_timeout must be at least runner.default_timeout")
	}
	if c.Runner.MaxUploadBytes <= 0 {
		return fmt.Errorf("runner.max_upload_bytes must be positive")
	}
	if c.Render.Width <= 0 || c.Render.Height <= 0 {
		return fmt.Errorf("render.width and render.height must be positive")
	}
	if c.Render.MaxConcurrent <= 0 {
		return fmt.Errorf("render.max_concurrent must be a positive integer")
	}
	return nil
}
