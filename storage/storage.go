// Package storage holds what the global storage adapters share. Each
// adapter lives in its own subpackage and implements pipeline.GlobalStorage.
//
// Adapters that keep every type in one flat namespace address objects by
// key: <classifier>/<storageId>/<uuid>, with an empty classifier allowed.
package storage

import (
	"strings"

	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/pipeline"
)

// KeyPrefix is the prefix shared by every key of t
func KeyPrefix(t *pipeline.DataType) string {
	return t.Classifier() + "/" + t.StorageID() + "/"
}

// Key addresses (t, id)
func Key(t *pipeline.DataType, id uuid.UUID) string {
	return KeyPrefix(t) + id.String()
}

// ParseKey returns the id addressed by key when key belongs to t
func ParseKey(t *pipeline.DataType, key string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(key, KeyPrefix(t))
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
