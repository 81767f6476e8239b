package config

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

// Global cache kinds
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheNATS   = "nats"
)

// Global storage kinds
const (
	StorageNone     = "none"
	StorageMemory   = "memory"
	StorageJSON     = "json"
	StorageBadger   = "badger"
	StorageMongo    = "mongo"
	StorageMySQL    = "mysql"
	StoragePostgres = "postgres"

	StorageObjectStore = "objectstore"
)

// Locking kinds
const (
	LockingDummy = "dummy"
	LockingNATS  = "nats"
)

// Messaging kinds
const (
	MessagingNone   = "none"
	MessagingMemory = "memory"
	MessagingNATS   = "nats"
)

// Config is the configuration of one network participant. YAML files use
// the same keys as JSON.
type Config struct {
	Name      string          `json:"name"`
	SessionID string          `json:"session_id,omitempty"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Messaging MessagingConfig `json:"messaging"`
	NATS      NATSConfig      `json:"nats"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// PipelineConfig sizes the executor and selects the tier adapters
type PipelineConfig struct {
	Workers          int                 `json:"workers,omitempty"`
	QueueSize        int                 `json:"queue_size,omitempty"`
	OperationTimeout Duration            `json:"operation_timeout,omitempty"`
	LockTimeout      Duration            `json:"lock_timeout,omitempty"`
	DedupWindow      Duration            `json:"dedup_window,omitempty"`
	GlobalCache      GlobalCacheConfig   `json:"global_cache"`
	GlobalStorage    GlobalStorageConfig `json:"global_storage"`
	Locking          LockingConfig       `json:"locking"`
}

// GlobalCacheConfig selects the shared cache tier
type GlobalCacheConfig struct {
	Kind       string `json:"kind"`
	Bucket     string `json:"bucket,omitempty"`
	LockBucket string `json:"lock_bucket,omitempty"`
	Replicas   int    `json:"replicas,omitempty"`
}

// GlobalStorageConfig selects the durable tier. Path is used by the json
// and badger kinds, URL and Database by the networked ones, Bucket by
// objectstore.
type GlobalStorageConfig struct {
	Kind        string `json:"kind"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"`
	Database    string `json:"database,omitempty"`
	TablePrefix string `json:"table_prefix,omitempty"`
	Bucket      string `json:"bucket,omitempty"`
	Replicas    int    `json:"replicas,omitempty"`
}

// LockingConfig selects the lock service used when there is no global cache
type LockingConfig struct {
	Kind  string   `json:"kind"`
	Lease Duration `json:"lease,omitempty"`
}

// MessagingConfig selects the synchronization bus
type MessagingConfig struct {
	Kind          string `json:"kind"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait Duration      `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// MetricsConfig configures the metrics endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `json:"port"`
	Path string `json:"path,omitempty"`
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Session returns the configured session id, or uuid.Nil when the pipeline
// should generate one
func (c *Config) Session() uuid.UUID {
	id, err := uuid.Parse(c.SessionID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// UsesNATS reports whether any configured adapter needs a NATS connection
func (c *Config) UsesNATS() bool {
	return c.Pipeline.GlobalCache.Kind == CacheNATS ||
		c.Pipeline.GlobalStorage.Kind == StorageObjectStore ||
		c.Pipeline.Locking.Kind == LockingNATS ||
		c.Messaging.Kind == MessagingNATS
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "check configuration")
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// Validate checks the configuration and normalizes kind names. It returns
// the first problem found as an invalid error wrapping ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Name == "" {
		return invalid("name is required")
	}
	if !isValidNATSSubjectPart(c.Name) {
		return invalid("name %q must be alphanumeric with dots, dashes, underscores", c.Name)
	}
	if c.SessionID != "" {
		if _, err := uuid.Parse(c.SessionID); err != nil {
			return invalid("session_id %q is not a UUID", c.SessionID)
		}
	}

	if err := c.Pipeline.validate(); err != nil {
		return err
	}

	c.Messaging.Kind = normalizeKind(c.Messaging.Kind, MessagingNone)
	if !oneOf(c.Messaging.Kind, MessagingNone, MessagingMemory, MessagingNATS) {
		return invalid("messaging.kind %q is not one of none, memory, nats", c.Messaging.Kind)
	}
	if c.Messaging.SubjectPrefix != "" && !isValidNATSSubjectPart(c.Messaging.SubjectPrefix) {
		return invalid("messaging.subject_prefix %q is not a valid subject", c.Messaging.SubjectPrefix)
	}

	if c.UsesNATS() && len(c.NATS.URLs) == 0 {
		return invalid("nats.urls is required by the configured adapters")
	}
	if err := c.NATS.validate(); err != nil {
		return err
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return invalid("metrics.path %q must start with /", c.Metrics.Path)
	}
	return nil
}

func (p *PipelineConfig) validate() error {
	if p.Workers < 0 {
		return invalid("pipeline.workers must not be negative")
	}
	if p.QueueSize < 0 {
		return invalid("pipeline.queue_size must not be negative")
	}
	if p.OperationTimeout < 0 || p.LockTimeout < 0 || p.DedupWindow < 0 {
		return invalid("pipeline timeouts must not be negative")
	}

	p.GlobalCache.Kind = normalizeKind(p.GlobalCache.Kind, CacheNone)
	if !oneOf(p.GlobalCache.Kind, CacheNone, CacheMemory, CacheNATS) {
		return invalid("pipeline.global_cache.kind %q is not one of none, memory, nats", p.GlobalCache.Kind)
	}
	for _, bucket := range []string{p.GlobalCache.Bucket, p.GlobalCache.LockBucket} {
		if bucket != "" && !isValidBucketName(bucket) {
			return invalid("bucket name %q must be alphanumeric with dashes, underscores", bucket)
		}
	}

	s := &p.GlobalStorage
	s.Kind = normalizeKind(s.Kind, StorageNone)
	switch s.Kind {
	case StorageNone, StorageMemory:
	case StorageJSON, StorageBadger:
		if s.Path == "" {
			return invalid("pipeline.global_storage.path is required for %s", s.Kind)
		}
	case StorageMongo:
		if s.URL == "" || s.Database == "" {
			return invalid("pipeline.global_storage.url and database are required for mongo")
		}
	case StorageMySQL, StoragePostgres:
		if s.URL == "" {
			return invalid("pipeline.global_storage.url is required for %s", s.Kind)
		}
	case StorageObjectStore:
		if s.Bucket != "" && !isValidBucketName(s.Bucket) {
			return invalid("bucket name %q must be alphanumeric with dashes, underscores", s.Bucket)
		}
		if s.Replicas < 0 {
			return invalid("pipeline.global_storage.replicas must not be negative")
		}
	default:
		return invalid("pipeline.global_storage.kind %q is not supported", s.Kind)
	}

	p.Locking.Kind = normalizeKind(p.Locking.Kind, LockingDummy)
	if !oneOf(p.Locking.Kind, LockingDummy, LockingNATS) {
		return invalid("pipeline.locking.kind %q is not one of dummy, nats", p.Locking.Kind)
	}
	if p.Locking.Lease < 0 {
		return invalid("pipeline.locking.lease must not be negative")
	}
	return nil
}

func (n *NATSConfig) validate() error {
	for i, u := range n.URLs {
		if strings.TrimSpace(u) == "" {
			return invalid("nats.urls[%d] is empty", i)
		}
	}
	if n.Token != "" && n.Username != "" {
		return invalid("nats.token and nats.username are mutually exclusive")
	}
	if (n.Username == "") != (n.Password == "") {
		return invalid("nats.username and nats.password must be set together")
	}
	if n.TLS.Enabled {
		if n.TLS.CertFile == "" && n.TLS.CAFile == "" {
			return invalid("nats.tls needs a ca_file or a cert_file")
		}
		if (n.TLS.CertFile == "") != (n.TLS.KeyFile == "") {
			return invalid("nats.tls.cert_file and key_file must be set together")
		}
	}
	return nil
}

func normalizeKind(kind, fallback string) string {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return fallback
	}
	return kind
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// isValidBucketName follows the JetStream KV bucket alphabet
func isValidBucketName(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return s != ""
}
