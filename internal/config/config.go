package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	BackendGitHub = "github"
	BackendLocal  = "local"
)

type Config struct {
	Addr        string        `mapstructure:"addr"`
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	TokenSecret string        `mapstructure:"token_secret"`
	AccessTTL   time.Duration `mapstructure:"access_ttl"`
	CORSOrigin  string        `mapstructure:"cors_origin"`

	// Remote backend
	Backend      string        `mapstructure:"backend"`
	GitHubAPIURL string        `mapstructure:"github_api_url"`
	GitHubToken  string        `mapstructure:"github_token"`
	ReposDir     string        `mapstructure:"repos_dir"`
	SyncTimeout  time.Duration `mapstructure:"sync_timeout"`

	RootLabel string `mapstructure:"root_label"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8787")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("token_secret", "folio-dev-secret")
	v.SetDefault("access_ttl", 12*time.Hour)
	v.SetDefault("cors_origin", "*")
	v.SetDefault("backend", BackendGitHub)
	v.SetDefault("github_api_url", "")
	v.SetDefault("github_token", "")
	v.SetDefault("repos_dir", "./data/repos")
	v.SetDefault("sync_timeout", 30*time.Second)
	v.SetDefault("root_label", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// New returns a viper instance with defaults and environment bindings.
// Every key reads FOLIO_<KEY>; a few also honour their conventional names.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("folio")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database_url", "FOLIO_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "FOLIO_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("github_token", "FOLIO_GITHUB_TOKEN", "GITHUB_TOKEN")
	return v
}

// Load reads defaults, the environment and, when path is not empty, a YAML
// file. File values lose to the environment.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendGitHub, BackendLocal:
	default:
		return fmt.Errorf("%w: backend must be %q or %q, got %q", ErrInvalid, BackendGitHub, BackendLocal, c.Backend)
	}
	if c.Backend == BackendLocal && strings.TrimSpace(c.ReposDir) == "" {
		return fmt.Errorf("%w: repos_dir is required for the local backend", ErrInvalid)
	}
	if strings.TrimSpace(c.TokenSecret) == "" {
		return fmt.Errorf("%w: token_secret is required", ErrInvalid)
	}
	if c.AccessTTL <= 0 {
		return fmt.Errorf("%w: access_ttl must be positive", ErrInvalid)
	}
	if c.SyncTimeout <= 0 {
		return fmt.Errorf("%w: sync_timeout must be positive", ErrInvalid)
	}
	return nil
}
