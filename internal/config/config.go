// Package config loads helpdesk settings from a YAML file and HELPDESK_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/codec"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/gate"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/llm"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/retrieval"
	"github.com/yuningzhang520/acl-rag-helpdesk-copilot/internal/vindex"
)

// EnvPrefix prefixes every environment override, e.g. HELPDESK_RETRIEVAL_TOP_K.
const EnvPrefix = "HELPDESK"

// LLM providers.
const (
	ProviderNone      = "none"
	ProviderAnthropic = "anthropic"
	ProviderCodec     = "codec"
)

// #region types
// Config is the full process configuration.
type Config struct {
	Docs      string          `mapstructure:"docs"`
	Directory string          `mapstructure:"directory"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Vector    VectorConfig    `mapstructure:"vector"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Codec     CodecConfig     `mapstructure:"codec"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type AuditConfig struct {
	JSONL  string `mapstructure:"jsonl"`
	SQLite string `mapstructure:"sqlite"`
}

type RetrievalConfig struct {
	Strategy   string  `mapstructure:"strategy"`
	TopK       int     `mapstructure:"top_k"`
	CandidateK int     `mapstructure:"candidate_k"`
	Alpha      float64 `mapstructure:"alpha"`
	Bias       bool    `mapstructure:"bias"`
}

type VectorConfig struct {
	CacheDir  string `mapstructure:"cache_dir"`
	Model     string `mapstructure:"model"`
	BatchSize int    `mapstructure:"batch_size"`
	Parallel  int    `mapstructure:"parallel"`
	Rebuild   bool   `mapstructure:"rebuild"`
}

type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	Model        string        `mapstructure:"model"`
	APIKey       string        `mapstructure:"api_key"`
	MaxTokens    int64         `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Intermediate bool          `mapstructure:"intermediate"`
	Proposal     bool          `mapstructure:"proposal"`
}

type CodecConfig struct {
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type GitHubConfig struct {
	Token   string `mapstructure:"token"`
	Repo    string `mapstructure:"repo"`
	BaseURL string `mapstructure:"base_url"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

type PolicyConfig struct {
	// Assignees per triage category, e.g. {"Access": ["it-oncall"]}.
	Assignees map[string][]string `mapstructure:"assignees"`
}

type ServerConfig struct {
	Addr          string `mapstructure:"addr"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	Tracing bool `mapstructure:"tracing"`
}

// #endregion types

// #region load
// Load reads path, or ./helpdesk.yaml when path is empty and the file
// exists, then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("helpdesk")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

// Default returns the configuration used when no file or env is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	c.Normalize()
	return &c
}

func setDefaults(v *viper.Viper) {
	rd := retrieval.DefaultConfig()
	vd := vindex.DefaultConfig()
	ad := llm.DefaultAnthropicConfig()

	v.SetDefault("docs", "docs")
	v.SetDefault("directory", "workflows/directory.csv")
	v.SetDefault("audit.jsonl", "workflows/audit_log.jsonl")
	v.SetDefault("audit.sqlite", "")

	v.SetDefault("retrieval.strategy", string(rd.Strategy))
	v.SetDefault("retrieval.top_k", rd.TopK)
	v.SetDefault("retrieval.candidate_k", rd.CandidateK)
	v.SetDefault("retrieval.alpha", rd.Alpha)
	v.SetDefault("retrieval.bias", rd.Bias)

	v.SetDefault("vector.cache_dir", vd.Dir)
	v.SetDefault("vector.model", vd.Model)
	v.SetDefault("vector.batch_size", vd.BatchSize)
	v.SetDefault("vector.parallel", vd.Parallel)
	v.SetDefault("vector.rebuild", false)

	v.SetDefault("llm.provider", ProviderNone)
	v.SetDefault("llm.model", ad.Model)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.max_tokens", ad.MaxTokens)
	v.SetDefault("llm.timeout", ad.Timeout)
	v.SetDefault("llm.intermediate", false)
	v.SetDefault("llm.proposal", false)

	v.SetDefault("codec.addr", "")
	v.SetDefault("codec.timeout", codec.DefaultTimeout)

	v.SetDefault("github.token", "")
	v.SetDefault("github.repo", "")
	v.SetDefault("github.base_url", "https://api.github.com")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.claim_ttl", 2*time.Minute)

	v.SetDefault("policy.assignees", map[string][]string{})

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.webhook_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("telemetry.tracing", false)
}

// #endregion load

// #region normalize
// Normalize trims and lowercases enum values and fills the GitHub token
// from GITHUB_TOKEN when unset.
func (c *Config) Normalize() {
	c.Retrieval.Strategy = strings.ToLower(strings.TrimSpace(c.Retrieval.Strategy))
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderNone
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.GitHub.Repo = strings.Trim(strings.TrimSpace(c.GitHub.Repo), "/")
	c.GitHub.BaseURL = strings.TrimRight(c.GitHub.BaseURL, "/")
	if c.GitHub.Token == "" {
		c.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	switch retrieval.Strategy(c.Retrieval.Strategy) {
	case retrieval.StrategyKeyword, retrieval.StrategyVector, retrieval.StrategyHybrid:
	default:
		errs = append(errs, fmt.Errorf("retrieval.strategy %q: %w", c.Retrieval.Strategy, retrieval.ErrUnknownStrategy))
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, errors.New("retrieval.top_k must be at least 1"))
	}
	if c.Retrieval.CandidateK < 1 {
		errs = append(errs, errors.New("retrieval.candidate_k must be at least 1"))
	}
	if c.Retrieval.Alpha < 0 || c.Retrieval.Alpha > 1 {
		errs = append(errs, errors.New("retrieval.alpha must be within [0, 1]"))
	}
	if retrieval.Strategy(c.Retrieval.Strategy).NeedsIndex() && c.Codec.Addr == "" {
		errs = append(errs, fmt.Errorf("retrieval.strategy %s needs codec.addr for embeddings", c.Retrieval.Strategy))
	}
	switch c.LLM.Provider {
	case ProviderNone, ProviderAnthropic:
	case ProviderCodec:
		if c.Codec.Addr == "" {
			errs = append(errs, errors.New("llm.provider codec needs codec.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q: want none, anthropic or codec", c.LLM.Provider))
	}
	if c.Codec.Timeout <= 0 {
		errs = append(errs, errors.New("codec.timeout must be positive"))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	if c.GitHub.Repo != "" && strings.Count(c.GitHub.Repo, "/") != 1 {
		errs = append(errs, fmt.Errorf("github.repo %q: want owner/name", c.GitHub.Repo))
	}
	return errors.Join(errs...)
}

// #endregion normalize

// #region adapters
// RetrievalConfig converts the retrieval section.
func (c *Config) RetrievalConfig() retrieval.Config {
	rc := retrieval.DefaultConfig()
	rc.Strategy = retrieval.Strategy(c.Retrieval.Strategy)
	rc.TopK = c.Retrieval.TopK
	rc.CandidateK = c.Retrieval.CandidateK
	rc.Alpha = c.Retrieval.Alpha
	rc.Bias = c.Retrieval.Bias
	return rc
}

// VectorConfig converts the vector section.
func (c *Config) VectorConfig() vindex.Config {
	return vindex.Config{
		Dir:       c.Vector.CacheDir,
		Model:     c.Vector.Model,
		BatchSize: c.Vector.BatchSize,
		Parallel:  c.Vector.Parallel,
	}
}

// AnthropicConfig converts the llm section.
func (c *Config) AnthropicConfig() llm.AnthropicConfig {
	ac := llm.DefaultAnthropicConfig()
	ac.APIKey = c.LLM.APIKey
	ac.Model = c.LLM.Model
	ac.MaxTokens = c.LLM.MaxTokens
	ac.Timeout = c.LLM.Timeout
	return ac
}

// GatePolicy converts the policy section.
func (c *Config) GatePolicy() gate.Policy {
	p := gate.DefaultPolicy()
	if len(c.Policy.Assignees) == 0 {
		return p
	}
	p.Assignees = make(map[gate.Category][]string, len(c.Policy.Assignees))
	for cat, users := range c.Policy.Assignees {
		p.Assignees[canonicalCategory(cat)] = users
	}
	return p
}

// canonicalCategory matches viper's lowercased map keys back to categories.
func canonicalCategory(s string) gate.Category {
	for _, c := range []gate.Category{gate.CategoryVPN, gate.CategoryMFA, gate.CategoryOnboarding, gate.CategoryAccess, gate.CategoryOther} {
		if strings.EqualFold(string(c), s) {
			return c
		}
	}
	return gate.Category(s)
}

// #endregion adapters
