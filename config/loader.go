package config

import (
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// EnvPrefix prefixes environment overrides: ENGRAM_LOG_LEVEL sets
	// log.level, ENGRAM_STORE_PATH sets store.path.
	EnvPrefix = "ENGRAM_"

	delimiter = "."
)

// Load builds the configuration: defaults, then the optional file at path,
// then environment variables. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(delimiter)

	if err := k.Load(confmap.Provider(defaultMap(), delimiter), nil); err != nil {
		return nil, goerr.Wrap(err, "failed to load default config")
	}

	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, goerr.Wrap(err, "failed to load config file", goerr.V("path", path))
		}
	}

	// Keys are two levels deep and leaves may contain underscores, so only
	// the first underscore separates section from key:
	// ENGRAM_RETRIEVAL_SIMILARITY_FLOOR -> retrieval.similarity_floor.
	err := k.Load(env.Provider(EnvPrefix, delimiter, func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", delimiter, 1)
	}), nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load environment config")
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal config")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Retrieval.Limit <= 0 {
		return goerr.New("retrieval.limit must be positive",
			goerr.V("limit", c.Retrieval.Limit))
	}
	if c.Retrieval.SimilarityFloor < 0 || c.Retrieval.SimilarityFloor > 1 {
		return goerr.New("retrieval.similarity_floor must be within [0,1]",
			goerr.V("floor", c.Retrieval.SimilarityFloor))
	}
	if c.Oracle.Timeout <= 0 {
		return goerr.New("oracle.timeout must be positive",
			goerr.V("timeout", c.Oracle.Timeout))
	}
	switch c.Oracle.Backend {
	case "rules", "anthropic":
	default:
		return goerr.New("oracle.backend must be rules or anthropic",
			goerr.V("backend", c.Oracle.Backend))
	}
	return nil
}

func defaultMap() map[string]interface{} {
	d := Default()
	return map[string]interface{}{
		"store.path":                 d.Store.Path,
		"store.in_memory":            d.Store.InMemory,
		"index.path":                 d.Index.Path,
		"index.compress":             d.Index.Compress,
		"index.cache_size":           d.Index.CacheSize,
		"retrieval.limit":            d.Retrieval.Limit,
		"retrieval.similarity_floor": d.Retrieval.SimilarityFloor,
		"oracle.backend":             d.Oracle.Backend,
		"oracle.model":               d.Oracle.Model,
		"oracle.timeout":             d.Oracle.Timeout,
		"log.level":                  d.Log.Level,
	}
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, goerr.New("unsupported config file format", goerr.V("path", path))
	}
}
