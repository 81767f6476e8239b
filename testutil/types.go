package testutil

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/pipeline"
)

// Entity is a minimal persistent type for adapter tests
type Entity struct {
	pipeline.Base
	Name string `json:"name"`
}

// NewEntity is the factory of Entity
func NewEntity(_ *pipeline.Pipeline, id uuid.UUID) *Entity {
	return &Entity{Base: pipeline.NewBase(id)}
}

// NewType registers Entity under meta in a fresh registry
func NewType(t testing.TB, meta pipeline.TypeMetadata) *pipeline.DataType {
	t.Helper()
	dt, err := pipeline.NewRegistry().Register(reflect.TypeFor[*Entity](), meta,
		func(p *pipeline.Pipeline, id uuid.UUID) pipeline.Data { return NewEntity(p, id) })
	require.NoError(t, err)
	return dt
}

// Payload is the serialized form of an Entity
func Payload(id uuid.UUID, name string) []byte {
	return []byte(fmt.Sprintf(`{"objectUUID":%q,"name":%q}`, id.String(), name))
}
