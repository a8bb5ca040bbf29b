// Package config loads the research daemon configuration from an optional
// YAML file and RESEARCH_* environment variables, and watches it for
// runtime-tunable changes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/popoloni/multi-agent-researcher-sub004/internal/db"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/llm"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/policy"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/research"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/search"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/streaming"
	"github.com/popoloni/multi-agent-researcher-sub004/internal/tracing"
)

// DefaultPath is read when neither the caller nor CONFIG_PATH names a file.
const DefaultPath = "config/research.yaml"

// EnvPrefix prefixes every environment override, e.g. RESEARCH_SERVER_HTTP_PORT.
const EnvPrefix = "RESEARCH"

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	AdminPort       int           `mapstructure:"admin_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// ResearchConfig tunes the coordinator, the subagent pool and citations.
type ResearchConfig struct {
	Coordinator       research.Config `mapstructure:",squash"`
	Retry             llm.RetryPolicy `mapstructure:"retry"`
	GlobalSubagentCap int             `mapstructure:"global_subagent_cap"`
	CoverageThreshold float64         `mapstructure:"coverage_threshold"`
	// Iterate enables the coverage policy. When false every task runs one round.
	Iterate           bool          `mapstructure:"iterate"`
	VerifyCitations   bool          `mapstructure:"verify_citations"`
	VerifyConcurrency int           `mapstructure:"verify_concurrency"`
	VerifyTimeout     time.Duration `mapstructure:"verify_timeout"`
	EventHistory      int           `mapstructure:"event_history"`
}

type PostgresConfig struct {
	Enabled bool      `mapstructure:"enabled"`
	DB      db.Config `mapstructure:",squash"`
}

type CacheConfig struct {
	L1Capacity int           `mapstructure:"l1_capacity"`
	L1TTL      time.Duration `mapstructure:"l1_ttl"`
	// L2Path is the SQLite file of the client-local layer. Empty disables L2.
	L2Path string `mapstructure:"l2_path"`
}

type RedisConfig struct {
	Enabled  bool                      `mapstructure:"enabled"`
	Addr     string                    `mapstructure:"addr"`
	Password string                    `mapstructure:"password"`
	DB       int                       `mapstructure:"db"`
	Stream   streaming.RedisSinkConfig `mapstructure:"stream"`
}

type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	RateLimit struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type CitationsConfig struct {
	CredibilityPath string `mapstructure:"credibility_path"`
}

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Research  ResearchConfig      `mapstructure:"research"`
	LLM       llm.ClientConfig    `mapstructure:"llm"`
	Search    search.ClientConfig `mapstructure:"search"`
	Postgres  PostgresConfig      `mapstructure:"postgres"`
	Cache     CacheConfig         `mapstructure:"cache"`
	Redis     RedisConfig         `mapstructure:"redis"`
	Auth      AuthConfig          `mapstructure:"auth"`
	Policy    policy.Config       `mapstructure:"policy"`
	Tracing   tracing.Config      `mapstructure:"tracing"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Citations CitationsConfig     `mapstructure:"citations"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.admin_port", 8081)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("research.task_deadline", 10*time.Minute)
	v.SetDefault("research.registry_retention", 10*time.Minute)
	v.SetDefault("research.janitor_interval", time.Minute)
	v.SetDefault("research.persist_timeout", 5*time.Second)
	v.SetDefault("research.terminal_write_timeout", 30*time.Second)
	v.SetDefault("research.retry.max_attempts", 3)
	v.SetDefault("research.retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("research.retry.max_interval", 5*time.Second)
	v.SetDefault("research.retry.multiplier", 2.0)
	v.SetDefault("research.global_subagent_cap", 16)
	v.SetDefault("research.coverage_threshold", 0.8)
	v.SetDefault("research.iterate", true)
	v.SetDefault("research.verify_citations", true)
	v.SetDefault("research.verify_concurrency", 4)
	v.SetDefault("research.verify_timeout", 5*time.Second)
	v.SetDefault("research.event_history", streaming.DefaultCapacity)

	v.SetDefault("llm.base_url", "http://localhost:8000")
	v.SetDefault("llm.model_tier", "medium")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.call_timeout", 60*time.Second)

	v.SetDefault("search.base_url", "http://localhost:8000")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.call_timeout", 20*time.Second)
	v.SetDefault("search.rate_limit", 5.0)
	v.SetDefault("search.burst", 5)

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "research")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "research")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_connections", 20)
	v.SetDefault("postgres.idle_connections", 5)
	v.SetDefault("postgres.max_lifetime", 30*time.Minute)

	v.SetDefault("cache.l1_capacity", 512)
	v.SetDefault("cache.l1_ttl", time.Hour)
	v.SetDefault("cache.l2_path", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream.key_prefix", "research:events:")
	v.SetDefault("redis.stream.max_len", 1000)
	v.SetDefault("redis.stream.ttl", 24*time.Hour)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "research-orchestrator")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.rate_limit.rps", 10.0)
	v.SetDefault("auth.rate_limit.burst", 20)

	v.SetDefault("policy.enabled", false)
	v.SetDefault("policy.mode", string(policy.ModeOff))
	v.SetDefault("policy.path", "config/opa/policies")
	v.SetDefault("policy.fail_closed", false)
	v.SetDefault("policy.environment", "dev")
	v.SetDefault("policy.emergency_kill_switch", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "research-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("citations.credibility_path", "")
}

// Loader reads the configuration and keeps the viper instance for watching.
type Loader struct {
	v         *viper.Viper
	path      string
	fileFound bool
}

// NewLoader prepares a loader for path. An empty path falls back to
// CONFIG_PATH and then DefaultPath.
func NewLoader(path string) *Loader {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v, path: path}
}

// Path is the configuration file the loader reads.
func (l *Loader) Path() string { return l.path }

// FileFound reports whether the last Load read a file.
func (l *Loader) FileFound() bool { return l.fileFound }

// Load reads the file, if present, and decodes the merged configuration.
// A missing file is not an error; defaults and environment still apply.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var pathErr *fs.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		}
		l.fileFound = false
	} else {
		l.fileFound = true
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Policy = cfg.Policy.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is a convenience wrapper around NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.AdminPort <= 0 || c.Server.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("server.admin_port %d out of range", c.Server.AdminPort))
	}
	if c.Server.AdminPort == c.Server.HTTPPort {
		errs = append(errs, fmt.Errorf("server.admin_port must differ from server.http_port"))
	}
	if c.Research.CoverageThreshold <= 0 || c.Research.CoverageThreshold > 1 {
		errs = append(errs, fmt.Errorf("research.coverage_threshold must be in (0, 1]"))
	}
	if c.Research.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("research.retry.max_attempts must be at least 1"))
	}
	if c.Research.GlobalSubagentCap < 0 {
		errs = append(errs, fmt.Errorf("research.global_subagent_cap must not be negative"))
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("auth.jwt_secret is required when auth is enabled"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("redis.addr is required when redis is enabled"))
	}
	return errors.Join(errs...)
}
