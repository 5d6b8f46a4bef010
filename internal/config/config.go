package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/triage-agent/internal/retry"
)

// Config captures every setting of the triage agent. It is read once at
// start-up and never mutated afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	AI        AIConfig        `yaml:"ai"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Retry     RetryConfig     `yaml:"retry"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig controls the gRPC, HTTP and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	HTTPAddress     string        `yaml:"httpAddress"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	// MaxRecvMsgBytes bounds a gRPC request; triage batches can be large.
	MaxRecvMsgBytes int `yaml:"maxRecvMsgBytes"`
}

// AIConfig selects the AI capability.
type AIConfig struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"apiKey"`
	BaseURL   string        `yaml:"baseURL"`
	MaxTokens int           `yaml:"maxTokens"`
	Timeout   time.Duration `yaml:"timeout"`
	// RequestsPerSecond caps AI calls across the process; zero disables it.
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// LedgerConfig configures the APRS incident ledger and the identity the
// agent writes under.
type LedgerConfig struct {
	BaseURL        string        `yaml:"baseURL"`
	Timeout        time.Duration `yaml:"timeout"`
	Author         string        `yaml:"author"`
	AssigneeType   string        `yaml:"assigneeType"`
	AssigneeName   string        `yaml:"assigneeName"`
	IncidentStatus string        `yaml:"incidentStatus"`
}

// KnowledgeConfig configures the knowledge sources queried before RCA.
type KnowledgeConfig struct {
	Weaviate WeaviateConfig `yaml:"weaviate"`
	// RulesPath points at a YAML rule pack; empty disables it.
	RulesPath string `yaml:"rulesPath"`
	Limit     int    `yaml:"limit"`
}

// WeaviateConfig configures the similarity search cluster.
type WeaviateConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Class    string        `yaml:"class"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// WorkflowConfig controls the deferred RCA workflow and its scheduler.
type WorkflowConfig struct {
	RCADelay      time.Duration `yaml:"rcaDelay"`
	DrainTimeout  time.Duration `yaml:"drainTimeout"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
	// Queue is "memory" or "redis"; redis shares tasks through cache.addr.
	Queue       string        `yaml:"queue"`
	QueuePrefix string        `yaml:"queuePrefix"`
	JournalDSN  string        `yaml:"journalDSN"`
	LockTTL     time.Duration `yaml:"lockTTL"`
}

// RetryConfig holds one policy per egress capability.
type RetryConfig struct {
	AI        retry.Policy `yaml:"ai"`
	Ledger    retry.Policy `yaml:"ledger"`
	Knowledge retry.Policy `yaml:"knowledge"`
}

// CacheConfig controls the Redis-backed cache and locks. When disabled an
// in-process LRU is used instead.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	LocalSize    int           `yaml:"localSize"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// TracingConfig enables OTLP trace export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"serviceName"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("TRIAGE_AGENT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	ai := retry.DefaultPolicy()
	ai.MaxDelay = 10 * time.Second
	ai.AttemptTimeout = 60 * time.Second

	ledger := retry.DefaultPolicy()
	ledger.AttemptTimeout = 0

	knowledge := retry.DefaultPolicy()
	knowledge.MaxAttempts = 2
	knowledge.AttemptTimeout = 5 * time.Second

	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			HTTPAddress:     ":8000",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			MaxRecvMsgBytes: 16 << 20,
		},
		AI: AIConfig{
			Provider:  "anthropic",
			MaxTokens: 1024,
			Timeout:   60 * time.Second,
		},
		Ledger: LedgerConfig{
			BaseURL:        "http://localhost:3001/api",
			Timeout:        10 * time.Second,
			Author:         "triage_agent",
			AssigneeType:   "aprs",
			AssigneeName:   "John Doe",
			IncidentStatus: "In Progress",
		},
		Knowledge: KnowledgeConfig{
			Weaviate: WeaviateConfig{
				Class:    "KnowledgeDocument",
				Timeout:  5 * time.Second,
				CacheTTL: 5 * time.Minute,
			},
			Limit: 5,
		},
		Workflow: WorkflowConfig{
			RCADelay:      10 * time.Second,
			DrainTimeout:  30 * time.Second,
			PollInterval:  250 * time.Millisecond,
			MaxConcurrent: 8,
			Queue:         "memory",
			QueuePrefix:   "triage-agent:tasks",
			LockTTL:       30 * time.Minute,
		},
		Retry: RetryConfig{AI: ai, Ledger: ledger, Knowledge: knowledge},
		Cache: CacheConfig{
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			KeyPrefix:    "triage-agent:",
			LocalSize:    4096,
		},
		Logging: LoggingConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
		Tracing: TracingConfig{ServiceName: "triage-agent", SampleRatio: 1},
	}
}

// Validate rejects settings the agent cannot run with.
func (c Config) Validate() error {
	var errs []error
	for name, p := range map[string]retry.Policy{"ai": c.Retry.AI, "ledger": c.Retry.Ledger, "knowledge": c.Retry.Knowledge} {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("retry.%s: %w", name, err))
		}
	}
	if strings.TrimSpace(c.Ledger.BaseURL) == "" {
		errs = append(errs, errors.New("ledger.baseURL is required"))
	}
	if c.Workflow.RCADelay < 0 {
		errs = append(errs, fmt.Errorf("workflow.rcaDelay must not be negative, got %s", c.Workflow.RCADelay))
	}
	if c.Workflow.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("workflow.maxConcurrent must be positive, got %d", c.Workflow.MaxConcurrent))
	}
	switch c.Workflow.Queue {
	case "memory":
	case "redis":
		if c.Cache.Addr == "" {
			errs = append(errs, errors.New("workflow.queue redis requires cache.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("workflow.queue %q is not one of memory, redis", c.Workflow.Queue))
	}
	switch strings.ToLower(c.AI.Provider) {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("ai.provider %q is not one of anthropic, openai", c.AI.Provider))
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		errs = append(errs, errors.New("cache.enabled requires cache.addr"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sampleRatio must be within [0, 1], got %v", c.Tracing.SampleRatio))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	setString("TRIAGE_AGENT_SERVER_ADDRESS", &cfg.Server.Address)
	setString("TRIAGE_AGENT_HTTP_ADDRESS", &cfg.Server.HTTPAddress)
	setString("TRIAGE_AGENT_METRICS_ADDRESS", &cfg.Server.MetricsAddress)

	setString("TRIAGE_AGENT_AI_PROVIDER", &cfg.AI.Provider)
	setString("TRIAGE_AGENT_AI_MODEL", &cfg.AI.Model)
	setString("TRIAGE_AGENT_AI_BASE_URL", &cfg.AI.BaseURL)
	setDuration("TRIAGE_AGENT_AI_TIMEOUT", &cfg.AI.Timeout)
	if v := os.Getenv("TRIAGE_AGENT_AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	} else if cfg.AI.APIKey == "" {
		switch strings.ToLower(cfg.AI.Provider) {
		case "openai":
			cfg.AI.APIKey = os.Getenv("OPENAI_API_KEY")
		default:
			cfg.AI.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}

	setString("TRIAGE_AGENT_LEDGER_URL", &cfg.Ledger.BaseURL)
	setString("APRS_BASE_URL", &cfg.Ledger.BaseURL)
	setDuration("TRIAGE_AGENT_LEDGER_TIMEOUT", &cfg.Ledger.Timeout)
	setString("TRIAGE_AGENT_AUTHOR", &cfg.Ledger.Author)
	setString("TRIAGE_AGENT_DEFAULT_ASSIGNEE", &cfg.Ledger.AssigneeName)

	setString("TRIAGE_AGENT_WEAVIATE_URL", &cfg.Knowledge.Weaviate.Endpoint)
	setString("TRIAGE_AGENT_WEAVIATE_API_KEY", &cfg.Knowledge.Weaviate.APIKey)
	setString("TRIAGE_AGENT_WEAVIATE_CLASS", &cfg.Knowledge.Weaviate.Class)
	setString("TRIAGE_AGENT_RULES_PATH", &cfg.Knowledge.RulesPath)

	setDuration("TRIAGE_AGENT_RCA_DELAY", &cfg.Workflow.RCADelay)
	setDuration("TRIAGE_AGENT_DRAIN_TIMEOUT", &cfg.Workflow.DrainTimeout)
	setInt("TRIAGE_AGENT_MAX_CONCURRENT", &cfg.Workflow.MaxConcurrent)
	setString("TRIAGE_AGENT_QUEUE", &cfg.Workflow.Queue)
	setString("TRIAGE_AGENT_JOURNAL_DSN", &cfg.Workflow.JournalDSN)

	setBool("TRIAGE_AGENT_CACHE_ENABLED", &cfg.Cache.Enabled)
	setString("TRIAGE_AGENT_CACHE_ADDR", &cfg.Cache.Addr)
	setString("TRIAGE_AGENT_CACHE_USERNAME", &cfg.Cache.Username)
	setString("TRIAGE_AGENT_CACHE_PASSWORD", &cfg.Cache.Password)
	setInt("TRIAGE_AGENT_CACHE_DB", &cfg.Cache.DB)
	setBool("TRIAGE_AGENT_CACHE_TLS", &cfg.Cache.TLS)

	setString("TRIAGE_AGENT_LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv("TRIAGE_AGENT_LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}
	setString("TRIAGE_AGENT_LOG_FILE", &cfg.Logging.File)

	setString("TRIAGE_AGENT_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	setBool("TRIAGE_AGENT_OTLP_INSECURE", &cfg.Tracing.Insecure)
}
