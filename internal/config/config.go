// Package config holds the immutable runtime configuration for srg.
// Configuration is resolved once at startup: defaults, then an optional
// config.json next to the data directory, then environment overrides.
// After Load returns, the Config is never mutated.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all srg configuration.
type Config struct {
	// DataDir is the root for srg.db, originals, caches and logs.
	DataDir string `json:"data_dir"`

	// ListenAddr is the HTTP bind address for `srg serve`.
	ListenAddr string `json:"listen_addr"`

	LLM     LLMConfig     `json:"llm"`
	Embed   EmbedConfig   `json:"embed"`
	Search  SearchConfig  `json:"search"`
	Cache   CacheConfig   `json:"cache"`
	Storage StorageConfig `json:"storage"`
	Logging LoggingConfig `json:"logging"`
}

// LLMConfig configures the model provider.
type LLMConfig struct {
	Provider         string        `json:"provider"` // ollama, genai, static
	ModelName        string        `json:"model_name"`
	Host             string        `json:"host"` // local HTTP server base URL
	APIKey           string        `json:"api_key"`
	Timeout          time.Duration `json:"timeout"`
	FailureThreshold int           `json:"failure_threshold"`
	CooldownSeconds  int           `json:"cooldown_seconds"`
	MaxRetries       int           `json:"max_retries"`
	RetryDelay       time.Duration `json:"retry_delay"`
	RetryMultiplier  float64       `json:"retry_multiplier"`
}

// EmbedConfig configures embedding generation.
type EmbedConfig struct {
	ModelName string `json:"model_name"`
	Dimension int    `json:"dimension"`
	BatchSize int    `json:"batch_size"`
	Normalize bool   `json:"normalize"`
}

// SearchConfig configures the hybrid retriever and the indexer.
type SearchConfig struct {
	// RRFK is frozen at 60; it is not overridable from the environment.
	RRFK            int  `json:"rrf_k"`
	VecCandidates   int  `json:"vec_candidates"`
	FTSCandidates   int  `json:"fts_candidates"`
	RerankerEnabled bool `json:"reranker_enabled"`
	RerankerTopK    int  `json:"reranker_top_k"`
	ChunkSize       int  `json:"chunk_size"`
	ChunkOverlap    int  `json:"chunk_overlap"`
}

// CacheConfig bounds the search result cache.
type CacheConfig struct {
	SearchCacheSize int           `json:"search_cache_size"`
	SearchCacheTTL  time.Duration `json:"search_cache_ttl"`
}

// StorageConfig configures the SQLite facade.
type StorageConfig struct {
	PoolSize    int           `json:"pool_size"`
	BusyTimeout time.Duration `json:"busy_timeout"`
}

// LoggingConfig configures categorized logging.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Level      string          `json:"level"`
	Categories map[string]bool `json:"categories"`
}

// RRFK is the frozen Reciprocal Rank Fusion constant.
const RRFK = 60

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir:    "data",
		ListenAddr: ":8080",
		LLM: LLMConfig{
			Provider:         "ollama",
			ModelName:        "qwen2.5:14b",
			Host:             "http://localhost:11434",
			Timeout:          120 * time.Second,
			FailureThreshold: 3,
			CooldownSeconds:  60,
			MaxRetries:       3,
			RetryDelay:       500 * time.Millisecond,
			RetryMultiplier:  2.0,
		},
		Embed: EmbedConfig{
			ModelName: "embeddinggemma",
			Dimension: 768,
			BatchSize: 32,
			Normalize: true,
		},
		Search: SearchConfig{
			RRFK:            RRFK,
			VecCandidates:   60,
			FTSCandidates:   60,
			RerankerEnabled: false,
			RerankerTopK:    10,
			ChunkSize:       512,
			ChunkOverlap:    50,
		},
		Cache: CacheConfig{
			SearchCacheSize: 1000,
			SearchCacheTTL:  300 * time.Second,
		},
		Storage: StorageConfig{
			PoolSize:    5,
			BusyTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load resolves the configuration: defaults, optional config file, env.
func Load(configPath string) (*Config, error) {
	// .env is optional; missing files are fine.
	_ = godotenv.Load()

	cfg := Default()

	if configPath == "" {
		configPath = "config.json"
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	envStr(&c.DataDir, "SRG_DATA_DIR")
	envStr(&c.ListenAddr, "SRG_LISTEN_ADDR")

	envStr(&c.LLM.Provider, "LLM_PROVIDER")
	envStr(&c.LLM.ModelName, "LLM_MODEL_NAME")
	envStr(&c.LLM.Host, "LLM_HOST")
	envStr(&c.LLM.APIKey, "LLM_API_KEY")
	envSeconds(&c.LLM.Timeout, "LLM_TIMEOUT")
	envInt(&c.LLM.FailureThreshold, "LLM_FAILURE_THRESHOLD")
	envInt(&c.LLM.CooldownSeconds, "LLM_COOLDOWN_SECONDS")
	envInt(&c.LLM.MaxRetries, "LLM_MAX_RETRIES")
	envSeconds(&c.LLM.RetryDelay, "LLM_RETRY_DELAY")
	envFloat(&c.LLM.RetryMultiplier, "LLM_RETRY_MULTIPLIER")

	envStr(&c.Embed.ModelName, "EMBED_MODEL_NAME")
	envInt(&c.Embed.Dimension, "EMBED_DIMENSION")
	envInt(&c.Embed.BatchSize, "EMBED_BATCH_SIZE")
	envBool(&c.Embed.Normalize, "EMBED_NORMALIZE")

	// SEARCH_RRF_K deliberately absent: the constant is frozen.
	envInt(&c.Search.VecCandidates, "SEARCH_FAISS_CANDIDATES")
	envInt(&c.Search.FTSCandidates, "SEARCH_FTS_CANDIDATES")
	envBool(&c.Search.RerankerEnabled, "SEARCH_RERANKER_ENABLED")
	envInt(&c.Search.RerankerTopK, "SEARCH_RERANKER_TOP_K")
	envInt(&c.Search.ChunkSize, "SEARCH_CHUNK_SIZE")
	envInt(&c.Search.ChunkOverlap, "SEARCH_CHUNK_OVERLAP")

	envInt(&c.Cache.SearchCacheSize, "CACHE_SEARCH_CACHE_SIZE")
	envSeconds(&c.Cache.SearchCacheTTL, "CACHE_SEARCH_CACHE_TTL")

	envInt(&c.Storage.PoolSize, "STORAGE_POOL_SIZE")
	envSeconds(&c.Storage.BusyTimeout, "STORAGE_BUSY_TIMEOUT")

	envBool(&c.Logging.DebugMode, "SRG_DEBUG")
	envStr(&c.Logging.Level, "SRG_LOG_LEVEL")
}

func (c *Config) validate() error {
	if c.Search.RRFK != RRFK {
		return fmt.Errorf("search.rrf_k is frozen at %d", RRFK)
	}
	if c.Embed.Dimension <= 0 {
		return fmt.Errorf("embed.dimension must be positive, got %d", c.Embed.Dimension)
	}
	if c.Search.ChunkOverlap >= c.Search.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.Search.ChunkOverlap, c.Search.ChunkSize)
	}
	if c.Storage.PoolSize <= 0 {
		return fmt.Errorf("storage.pool_size must be positive, got %d", c.Storage.PoolSize)
	}
	switch c.LLM.Provider {
	case "ollama", "genai", "static":
	default:
		return fmt.Errorf("unsupported llm provider: %q (use ollama, genai or static)", c.LLM.Provider)
	}
	return nil
}

// DatabasePath returns the path of the embedded store.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "srg.db") }

// DocumentsDir returns the directory holding uploaded originals.
func (c *Config) DocumentsDir() string { return filepath.Join(c.DataDir, "documents") }

// VisionCacheDir returns the on-disk vision caption cache directory.
func (c *Config) VisionCacheDir() string { return filepath.Join(c.DataDir, "cache", "vision") }

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// envSeconds parses a bare number as seconds, or a Go duration string.
func envSeconds(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
