package model

import "time"

// Config holds the complete cityledger configuration
type Config struct {
	LLM          LLMConfig          `yaml:"llm" mapstructure:"llm"`
	Extraction   ExtractionConfig   `yaml:"extraction" mapstructure:"extraction"`
	Mapping      MappingConfig      `yaml:"mapping" mapstructure:"mapping"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Concurrency  ConcurrencyConfig  `yaml:"concurrency" mapstructure:"concurrency"`
	RateLimiting RateLimitingConfig `yaml:"rate_limiting" mapstructure:"rate_limiting"`
	Cache        CacheConfig        `yaml:"cache" mapstructure:"cache"`
	Output       OutputConfig       `yaml:"output" mapstructure:"output"`
	Source       SourceConfig       `yaml:"source" mapstructure:"source"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	HTTP         HTTPConfig         `yaml:"http" mapstructure:"http"`
}

// LLMConfig configures the language-model provider
type LLMConfig struct {
	Provider     string  `yaml:"provider" mapstructure:"provider"`           // openai, anthropic, ollama
	Model        string  `yaml:"model" mapstructure:"model"`                 // Extraction model
	MappingModel string  `yaml:"mapping_model" mapstructure:"mapping_model"` // Mapping model (defaults to Model)
	APIKey       string  `yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL      string  `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout      int     `yaml:"timeout" mapstructure:"timeout"` // seconds
	MaxTokens    int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float32 `yaml:"temperature" mapstructure:"temperature"`
}

// ExtractionConfig configures the per-class extraction loop
type ExtractionConfig struct {
	MaxRounds     int      `yaml:"max_rounds" mapstructure:"max_rounds"`
	Classes       []string `yaml:"classes,omitempty" mapstructure:"classes"`   // Subset of classes (empty = all)
	ChunkTokens   int      `yaml:"chunk_tokens" mapstructure:"chunk_tokens"`   // Chunk when source exceeds this (0 = never)
	ChunkOverlap  int      `yaml:"chunk_overlap" mapstructure:"chunk_overlap"` // Overlap between chunks, in tokens
	SummaryItems  int      `yaml:"summary_items" mapstructure:"summary_items"` // Prior instances shown to the model
	ScopeToTables bool     `yaml:"scope_to_tables" mapstructure:"scope_to_tables"`
}

// MappingConfig configures foreign-key mapping
type MappingConfig struct {
	MaxConcurrent   int          `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MinEvidenceTier string       `yaml:"min_evidence_tier" mapstructure:"min_evidence_tier"` // "" disables the gate
	RetryPasses     int          `yaml:"retry_passes" mapstructure:"retry_passes"`
	LabelMaxChars   int          `yaml:"label_max_chars" mapstructure:"label_max_chars"`
	City            CityOverride `yaml:"city" mapstructure:"city"`
}

// CityOverride pins the canonical city instead of taking the first extracted one
type CityOverride struct {
	ID      string `yaml:"id,omitempty" mapstructure:"id"`
	Name    string `yaml:"name,omitempty" mapstructure:"name"`
	Country string `yaml:"country,omitempty" mapstructure:"country"`
}

// IsSet reports whether an override was configured
func (c CityOverride) IsSet() bool {
	return c.ID != ""
}

// RetryConfig configures backoff around model calls
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Jitter      float64       `yaml:"jitter" mapstructure:"jitter"` // Fraction of the delay, 0..1
}

// ConcurrencyConfig bounds parallel class extraction
type ConcurrencyConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// RateLimitingConfig throttles model API calls
type RateLimitingConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" mapstructure:"burst_size"`
}

// CacheConfig configures the model response cache
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir       string        `yaml:"dir" mapstructure:"dir"`
	MemoryTTL time.Duration `yaml:"memory_ttl" mapstructure:"memory_ttl"`
	DiskTTL   time.Duration `yaml:"disk_ttl" mapstructure:"disk_ttl"`
}

// OutputConfig configures staged output
type OutputConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// SourceConfig configures loading the OCR markdown when it is given as a URL
type SourceConfig struct {
	Timeout   time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes" mapstructure:"max_bytes"`
	UserAgent string        `yaml:"user_agent" mapstructure:"user_agent"`
}

// LogConfig configures logging
type LogConfig struct {
	Mode  string `yaml:"mode" mapstructure:"mode"`   // dev or prod
	Level string `yaml:"level" mapstructure:"level"` // debug, info, warn, error
}

// HTTPConfig holds proxy settings for HTTP-based providers
type HTTPConfig struct {
	HTTPProxy  string `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy string `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy    string `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			Timeout:   180,
			MaxTokens: 4096,
		},
		Extraction: ExtractionConfig{
			MaxRounds:    12,
			ChunkTokens:  60000,
			ChunkOverlap: 400,
			SummaryItems: 40,
		},
		Mapping: MappingConfig{
			MaxConcurrent: 5,
			RetryPasses:   1,
			LabelMaxChars: 160,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			Jitter:      0.2,
		},
		Concurrency: ConcurrencyConfig{
			Workers: 3,
		},
		RateLimiting: RateLimitingConfig{
			RequestsPerSecond: 2,
			BurstSize:         4,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Dir:       ".cityledger/cache",
			MemoryTTL: time.Hour,
			DiskTTL:   7 * 24 * time.Hour,
		},
		Output: OutputConfig{
			Dir: "output",
		},
		Source: SourceConfig{
			Timeout:   2 * time.Minute,
			MaxBytes:  50 << 20,
			UserAgent: "cityledger/0.1",
		},
		Log: LogConfig{
			Mode:  "dev",
			Level: "info",
		},
	}
}
