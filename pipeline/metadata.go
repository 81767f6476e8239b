package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

// DataContext selects the remote tiers a type may live in
type DataContext int

// Data contexts
const (
	ContextGlobal DataContext = iota
	ContextCacheOnly
	ContextStorageOnly
	ContextLocalOnly
)

// String returns the name used in logs and configuration
func (c DataContext) String() string {
	switch c {
	case ContextGlobal:
		return "GLOBAL"
	case ContextCacheOnly:
		return "CACHE_ONLY"
	case ContextStorageOnly:
		return "STORAGE_ONLY"
	case ContextLocalOnly:
		return "LOCAL_ONLY"
	default:
		return fmt.Sprintf("DataContext(%d)", int(c))
	}
}

// IsCacheAllowed reports whether the global cache tier may hold the type
func (c DataContext) IsCacheAllowed() bool {
	return c == ContextGlobal || c == ContextCacheOnly
}

// IsStorageAllowed reports whether the global storage tier may hold the type
func (c DataContext) IsStorageAllowed() bool {
	return c == ContextGlobal || c == ContextStorageOnly
}

// PreloadStrategy controls whether a type's full extent is pulled at startup
type PreloadStrategy int

// Preload strategies
const (
	PreloadNone PreloadStrategy = iota
	PreloadLoadBefore
)

// String returns the strategy name
func (s PreloadStrategy) String() string {
	if s == PreloadLoadBefore {
		return "LOAD_BEFORE"
	}
	return "NONE"
}

// Default TTL settings applied when Time is zero.
const (
	DefaultTime     = 10
	DefaultTimeUnit = time.Minute
)

// TypeMetadata is the per-type configuration handed to Register.
type TypeMetadata struct {
	// StorageID names the type on the wire and in every backend. Required.
	StorageID string
	// Classifier optionally groups types under a common namespace.
	Classifier string

	Context DataContext
	Preload PreloadStrategy

	// CleanOnNoUse expires global cache entries that are not touched
	// within Time * TimeUnit.
	CleanOnNoUse bool
	Time         int
	TimeUnit     time.Duration

	// DebugMode logs every tier movement of the type at debug level.
	DebugMode bool
}

// IsCacheAllowed reports whether the global cache tier may hold the type
func (m TypeMetadata) IsCacheAllowed() bool {
	return m.Context.IsCacheAllowed()
}

// IsStorageAllowed reports whether the global storage tier may hold the type
func (m TypeMetadata) IsStorageAllowed() bool {
	return m.Context.IsStorageAllowed()
}

// TTL is the idle lifetime of a global cache entry
func (m TypeMetadata) TTL() time.Duration {
	n, unit := m.Time, m.TimeUnit
	if n <= 0 {
		n = DefaultTime
	}
	if unit <= 0 {
		unit = DefaultTimeUnit
	}
	return time.Duration(n) * unit
}

func (m TypeMetadata) normalized() TypeMetadata {
	m.StorageID = strings.TrimSpace(m.StorageID)
	m.Classifier = strings.TrimSpace(m.Classifier)
	if m.Time <= 0 {
		m.Time = DefaultTime
	}
	if m.TimeUnit <= 0 {
		m.TimeUnit = DefaultTimeUnit
	}
	return m
}

// Validate checks the metadata can be used to register a type
func (m TypeMetadata) Validate() error {
	switch {
	case m.StorageID == "":
		return errors.WrapInvalid(errors.ErrInvalidConfig, "TypeMetadata", "Validate", "storage id is required")
	case strings.ContainsAny(m.StorageID, ":/ "):
		return errors.WrapInvalid(
			fmt.Errorf("%w: storage id %q contains a reserved character", errors.ErrInvalidConfig, m.StorageID),
			"TypeMetadata", "Validate", "check storage id")
	case strings.ContainsAny(m.Classifier, ":/ "):
		return errors.WrapInvalid(
			fmt.Errorf("%w: classifier %q contains a reserved character", errors.ErrInvalidConfig, m.Classifier),
			"TypeMetadata", "Validate", "check classifier")
	case m.StorageID == lockNamespace || m.Classifier == lockNamespace:
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q is reserved for locks", errors.ErrInvalidConfig, lockNamespace),
			"TypeMetadata", "Validate", "check namespace")
	case m.Context < ContextGlobal || m.Context > ContextLocalOnly:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "TypeMetadata", "Validate", "check data context")
	}
	return nil
}
