package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

// EnvPrefix prefixes the environment variables read by the Loader
const EnvPrefix = "VPIPELINE"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and the environment, in that order
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.Wrap(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged layers")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode configuration")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Default returns the configuration every layer is merged onto
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			QueueSize:        1024,
			OperationTimeout: Duration(10 * time.Second),
			LockTimeout:      Duration(30 * time.Second),
			GlobalCache: GlobalCacheConfig{
				Kind:       CacheNone,
				Bucket:     "VPIPELINE",
				LockBucket: "VPIPELINE_LOCKS",
				Replicas:   1,
			},
			GlobalStorage: GlobalStorageConfig{
				Kind:        StorageNone,
				Database:    "vpipeline",
				TablePrefix: "vpipeline_",
				Bucket:      "VPIPELINE_OBJECTS",
				Replicas:    1,
			},
			Locking: LockingConfig{
				Kind:  LockingDummy,
				Lease: Duration(2 * time.Minute),
			},
		},
		Messaging: MessagingConfig{
			Kind:          MessagingNone,
			SubjectPrefix: "vpipeline.sync",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// loadRaw reads one layer as a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	format, err := configFormat(path)
	if err != nil {
		return nil, err
	}

	raw := make(map[string]any)
	switch format {
	case "json":
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	get := func(name string) (string, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		return val, validateEnvVar(key, val)
	}

	overrides := []struct {
		name  string
		apply func(string)
	}{
		{"NAME", func(v string) { cfg.Name = v }},
		{"SESSION_ID", func(v string) { cfg.SessionID = v }},
		{"NATS_URLS", func(v string) {
			cfg.NATS.URLs = nil
			for _, u := range strings.Split(v, ",") {
				if u = strings.TrimSpace(u); u != "" {
					cfg.NATS.URLs = append(cfg.NATS.URLs, u)
				}
			}
		}},
		{"NATS_USERNAME", func(v string) { cfg.NATS.Username = v }},
		{"NATS_PASSWORD", func(v string) { cfg.NATS.Password = v }},
		{"NATS_TOKEN", func(v string) { cfg.NATS.Token = v }},
	}
	for _, o := range overrides {
		val, err := get(o.name)
		if err != nil {
			return err
		}
		if val != "" {
			o.apply(val)
		}
	}
	return nil
}

// SaveToFile writes the configuration as JSON or YAML depending on the
// file extension
func (c *Config) SaveToFile(path string) error {
	format, err := configFormat(path)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "select format")
	}

	var data []byte
	switch format {
	case "json":
		data, err = json.MarshalIndent(c, "", "  ")
	case "yaml":
		var m map[string]any
		if m, err = toMap(c); err == nil {
			data, err = yaml.Marshal(m)
		}
	}
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "encode "+format)
	}
	if err := safeWriteFile(path, data); err != nil {
		return errors.WrapTransient(err, "Config", "SaveToFile", "write "+path)
	}
	return nil
}
