// Package config loads engine configuration from defaults, an optional
// yaml/json file, and ENGRAM_-prefixed environment variables, in that
// precedence order (later sources win).
package config

import "time"

// Config is the full engine configuration.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Index     IndexConfig     `mapstructure:"index"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig locates the knowledge record store.
type StoreConfig struct {
	// Path is the Badger data directory.
	Path string `mapstructure:"path"`

	// InMemory keeps the store in RAM. For tests and local runs.
	InMemory bool `mapstructure:"in_memory"`
}

// IndexConfig configures the semantic index.
type IndexConfig struct {
	// Path enables index persistence; empty keeps it in memory.
	Path string `mapstructure:"path"`

	// Compress gzips persisted entries.
	Compress bool `mapstructure:"compress"`

	// CacheSize bounds the embedding cache in bytes.
	CacheSize int64 `mapstructure:"cache_size"`
}

// RetrievalConfig bounds similarity search.
type RetrievalConfig struct {
	// Limit is the default number of matches per query.
	Limit int `mapstructure:"limit"`

	// SimilarityFloor drops matches scoring below it.
	SimilarityFloor float64 `mapstructure:"similarity_floor"`
}

// OracleConfig configures the reasoning oracle.
type OracleConfig struct {
	// Backend selects the oracle: "rules" or "anthropic".
	Backend string `mapstructure:"backend"`

	// Model names the Claude model for the anthropic backend.
	Model string `mapstructure:"model"`

	// Timeout bounds each oracle call.
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/knowledge",
		},
		Index: IndexConfig{
			Path:      "data/index",
			CacheSize: 16 << 20,
		},
		Retrieval: RetrievalConfig{
			Limit:           5,
			SimilarityFloor: 0.0,
		},
		Oracle: OracleConfig{
			Backend: "rules",
			Model:   "claude-sonnet-4-20250514",
			Timeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
