// Package config loads the configuration of a VPipeline network participant.
//
// A Config names the node, sizes the pipeline executor and selects the
// adapters behind each tier: the global cache, the global storage, the lock
// service used without a global cache, and the synchronization bus. NATS
// connection settings are shared by every NATS-backed adapter.
//
// # Loading
//
// Files are JSON or YAML, chosen by extension. Layers are merged key by key
// over Default, then the environment is applied:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/lobby-1.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//
// Environment overrides use the VPIPELINE_ prefix: VPIPELINE_NAME,
// VPIPELINE_SESSION_ID, VPIPELINE_NATS_URLS (comma separated),
// VPIPELINE_NATS_USERNAME, VPIPELINE_NATS_PASSWORD and VPIPELINE_NATS_TOKEN.
//
// Durations are strings such as "500ms", "30s" or "14d".
//
// # Validation
//
// Validate reports the first problem as an invalid error wrapping
// errors.ErrInvalidConfig, and lowercases kind names. Empty kinds mean none,
// or dummy for locking.
//
// # Concurrency
//
// SafeConfig guards a Config for concurrent readers. Get returns a deep copy
// and Update validates before swapping.
package config
