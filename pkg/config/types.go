// Package config defines the runtime configuration records and their loading.
//
// Configuration is a plain record passed down to every component; singletons
// receive it via constructor injection, never via process-global state.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration record.
type Config struct {
	Logging       LoggingConfig       `yaml:"logging" mapstructure:"logging"`
	Memory        MemoryConfig        `yaml:"memory" mapstructure:"memory"`
	Engine        EngineConfig        `yaml:"engine" mapstructure:"engine"`
	Cache         CacheConfig         `yaml:"cache" mapstructure:"cache"`
	State         StateConfig         `yaml:"state" mapstructure:"state"`
	Dispatch      DispatchConfig      `yaml:"dispatch" mapstructure:"dispatch"`
	Routing       RoutingConfig       `yaml:"routing" mapstructure:"routing"`
	Audit         AuditConfig         `yaml:"audit" mapstructure:"audit"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

type MemoryConfig struct {
	EmbeddingModel     string   `yaml:"embedding_model" mapstructure:"embedding_model"`
	EmbeddingDimension int      `yaml:"embedding_dimension" mapstructure:"embedding_dimension"`
	// EmbeddingHost selects a remote OpenAI-shaped embeddings endpoint;
	// empty uses the deterministic local embedder.
	EmbeddingHost   string   `yaml:"embedding_host" mapstructure:"embedding_host"`
	EmbeddingAPIKey string   `yaml:"embedding_api_key" mapstructure:"embedding_api_key"`
	SemanticIndexURL   string   `yaml:"semantic_index_url" mapstructure:"semantic_index_url"`
	EpisodicStoreURL   string   `yaml:"episodic_store_url" mapstructure:"episodic_store_url"`
	RMTBufferSize      int      `yaml:"rmt_buffer_size" mapstructure:"rmt_buffer_size"`
	PinnedSlotNames    []string `yaml:"pinned_slot_names" mapstructure:"pinned_slot_names"`
}

type EngineConfig struct {
	MaxConcurrentThreads    int           `yaml:"max_concurrent_threads" mapstructure:"max_concurrent_threads"`
	MaxRetriesPerNode       int           `yaml:"max_retries_per_node" mapstructure:"max_retries_per_node"`
	RetryBaseDelay          time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay           time.Duration `yaml:"retry_max_delay" mapstructure:"retry_max_delay"`
	DefaultHumanGateTimeout time.Duration `yaml:"default_human_gate_timeout" mapstructure:"default_human_gate_timeout"`
	StateTTLSeconds         int           `yaml:"state_ttl_seconds" mapstructure:"state_ttl_seconds"`
}

type CacheConfig struct {
	Enabled                     bool    `yaml:"enabled" mapstructure:"enabled"`
	TemperatureCacheableCeiling float64 `yaml:"temperature_cacheable_ceiling" mapstructure:"temperature_cacheable_ceiling"`
	L2SimilarityThreshold       float64 `yaml:"l2_similarity_threshold" mapstructure:"l2_similarity_threshold"`
	TTLSeconds                  int     `yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
	MaxEntries                  int     `yaml:"max_entries" mapstructure:"max_entries"`
}

type StateConfig struct {
	// Backend selects the workflow-state store: "memory" or "redis".
	Backend   string `yaml:"backend" mapstructure:"backend"`
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB   int    `yaml:"redis_db" mapstructure:"redis_db"`
}

type DispatchConfig struct {
	// RolePermissionMatrix maps a role to the command kinds it may invoke.
	// The wildcard "*" grants every kind.
	RolePermissionMatrix         map[string][]string `yaml:"role_permission_matrix" mapstructure:"role_permission_matrix"`
	InjectionDetectorEnabled     bool                `yaml:"injection_detector_enabled" mapstructure:"injection_detector_enabled"`
	InjectionConfidenceThreshold float64             `yaml:"injection_confidence_threshold" mapstructure:"injection_confidence_threshold"`
}

type ModelProviderConfig struct {
	ID           string   `yaml:"id" mapstructure:"id"`
	Type         string   `yaml:"type" mapstructure:"type"`
	Host         string   `yaml:"host" mapstructure:"host"`
	APIKey       string   `yaml:"api_key" mapstructure:"api_key"`
	Model        string   `yaml:"model" mapstructure:"model"`
	CostPerToken float64  `yaml:"cost_per_token" mapstructure:"cost_per_token"`
	TokenLimit   int      `yaml:"token_limit" mapstructure:"token_limit"`
	Supports     []string `yaml:"supports" mapstructure:"supports"`
}

type RoutingConfig struct {
	Providers        []ModelProviderConfig `yaml:"providers" mapstructure:"providers"`
	PerRequestBudget float64               `yaml:"per_request_budget" mapstructure:"per_request_budget"`
	GlobalBudget     float64               `yaml:"global_budget" mapstructure:"global_budget"`
	WarnThreshold    float64               `yaml:"warn_threshold" mapstructure:"warn_threshold"`
}

type AuditConfig struct {
	// Path of the append-only JSONL sink; empty keeps the chain in memory.
	Path string `yaml:"path" mapstructure:"path"`
}

type ObservabilityConfig struct {
	// MetricsSink selects the metrics backend: "prometheus" or "" (disabled).
	MetricsSink string `yaml:"metrics_sink" mapstructure:"metrics_sink"`
	// TraceExporter selects the trace backend: "otlp" or "" (disabled).
	TraceExporter string  `yaml:"trace_exporter" mapstructure:"trace_exporter"`
	OTLPEndpoint  string  `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	ServiceName   string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRate    float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
	LogSink       string  `yaml:"log_sink" mapstructure:"log_sink"`
}

// SetDefaults fills unset fields with their documented defaults.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Memory.EmbeddingModel == "" {
		c.Memory.EmbeddingModel = "text-embedding-3-small"
	}
	if c.Memory.EmbeddingDimension <= 0 {
		c.Memory.EmbeddingDimension = 256
	}
	if c.Memory.RMTBufferSize <= 0 {
		c.Memory.RMTBufferSize = 32
	}
	if len(c.Memory.PinnedSlotNames) == 0 {
		c.Memory.PinnedSlotNames = []string{"active_case_id", "intake_state"}
	}

	if c.Engine.MaxConcurrentThreads <= 0 {
		c.Engine.MaxConcurrentThreads = 16
	}
	if c.Engine.MaxRetriesPerNode <= 0 {
		c.Engine.MaxRetriesPerNode = 3
	}
	if c.Engine.RetryBaseDelay <= 0 {
		c.Engine.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.Engine.RetryMaxDelay <= 0 {
		c.Engine.RetryMaxDelay = 10 * time.Second
	}
	if c.Engine.DefaultHumanGateTimeout <= 0 {
		c.Engine.DefaultHumanGateTimeout = 24 * time.Hour
	}
	if c.Engine.StateTTLSeconds <= 0 {
		c.Engine.StateTTLSeconds = 86400
	}

	if c.Cache.TemperatureCacheableCeiling <= 0 {
		c.Cache.TemperatureCacheableCeiling = 0.1
	}
	if c.Cache.L2SimilarityThreshold <= 0 {
		c.Cache.L2SimilarityThreshold = 0.95
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = 3600
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 10000
	}

	if c.State.Backend == "" {
		c.State.Backend = "memory"
	}
	if c.State.RedisAddr == "" {
		c.State.RedisAddr = "localhost:6379"
	}

	if c.Dispatch.RolePermissionMatrix == nil {
		c.Dispatch.RolePermissionMatrix = map[string][]string{
			"admin":    {"*"},
			"attorney": {"*"},
			"applicant": {
				"ask", "case_create", "case_get", "case_active", "memory_lookup",
				"intake_start", "intake_answer", "intake_skip", "intake_status",
				"intake_cancel", "intake_resume", "generate_letter",
				"generate_petition", "upload_exhibit", "pause", "resume",
				"get_preview", "download_pdf",
			},
		}
	}
	if c.Dispatch.InjectionConfidenceThreshold <= 0 {
		c.Dispatch.InjectionConfidenceThreshold = 0.6
	}

	if c.Routing.PerRequestBudget <= 0 {
		c.Routing.PerRequestBudget = 0.50
	}
	if c.Routing.WarnThreshold <= 0 {
		c.Routing.WarnThreshold = 0.10
	}

	if c.Observability.OTLPEndpoint == "" {
		c.Observability.OTLPEndpoint = "localhost:4317"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "gavel"
	}
	if c.Observability.SampleRate <= 0 {
		c.Observability.SampleRate = 1.0
	}
}

// Validate checks cross-field consistency. Call after SetDefaults.
func (c *Config) Validate() error {
	if c.Memory.EmbeddingDimension <= 0 {
		return fmt.Errorf("memory.embedding_dimension must be positive")
	}
	if c.Cache.L2SimilarityThreshold > 1.0 {
		return fmt.Errorf("cache.l2_similarity_threshold must be <= 1.0")
	}
	switch c.State.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("state.backend must be memory or redis, got %q", c.State.Backend)
	}
	seen := make(map[string]bool)
	for _, p := range c.Routing.Providers {
		if p.ID == "" {
			return fmt.Errorf("routing.providers entries require an id")
		}
		if seen[p.ID] {
			return fmt.Errorf("routing.providers: duplicate id %q", p.ID)
		}
		seen[p.ID] = true
		if p.CostPerToken < 0 {
			return fmt.Errorf("routing.providers[%s]: cost_per_token cannot be negative", p.ID)
		}
	}
	return nil
}
