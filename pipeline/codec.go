package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

type pipelineKey struct{}

// withPipeline lets references decoded under ctx resolve against p
func withPipeline(ctx context.Context, p *Pipeline) context.Context {
	return context.WithValue(ctx, pipelineKey{}, p)
}

func pipelineFrom(ctx context.Context) *Pipeline {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(pipelineKey{}).(*Pipeline)
	return p
}

// Codec converts entities to and from their JSON form. Fields tagged
// `json:"-"` and unexported fields are transient.
type Codec struct {
	p *Pipeline
}

// NewCodec creates a codec whose decoded references resolve against p
func NewCodec(p *Pipeline) *Codec {
	return &Codec{p: p}
}

// Serialize encodes d
func (c *Codec) Serialize(d Data) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Codec", "Serialize", fmt.Sprintf("encode %s", d.ObjectID()))
	}
	return data, nil
}

// DeserializeInto replaces the serialized state of the existing instance d
// with payload. Fields absent from payload end up zero, as they were on the
// encoding side; Base and transient fields keep their local values. A
// payload that does not decode or carries a different object id leaves d
// untouched.
func (c *Codec) DeserializeInto(ctx context.Context, d Data, payload []byte) error {
	var head struct {
		ID *uuid.UUID `json:"objectUUID"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrCorruptPayload, err), "Codec", "DeserializeInto", "decode header")
	}
	if head.ID != nil && *head.ID != d.ObjectID() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: payload id %s does not match %s", errors.ErrCorruptPayload, *head.ID, d.ObjectID()),
			"Codec", "DeserializeInto", "check id")
	}
	if c.p != nil {
		ctx = withPipeline(ctx, c.p)
	}

	dst := reflect.ValueOf(d)
	if dst.Kind() != reflect.Pointer || dst.IsNil() || dst.Elem().Kind() != reflect.Struct {
		return decode(ctx, payload, d)
	}
	fresh := reflect.New(dst.Elem().Type())
	if err := decode(ctx, payload, fresh.Interface()); err != nil {
		return err
	}
	copySerialized(dst.Elem(), fresh.Elem())
	return nil
}

func decode(ctx context.Context, payload []byte, v any) error {
	if err := json.UnmarshalContext(ctx, payload, v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrCorruptPayload, err), "Codec", "DeserializeInto", "decode payload")
	}
	return nil
}

var baseType = reflect.TypeFor[Base]()

// copySerialized copies the JSON fields of src into dst. Embedded structs
// are walked, exported or not, since their fields are promoted; Base,
// unexported and `json:"-"` fields of dst are kept. Both values must be
// addressable.
func copySerialized(dst, src reflect.Value) {
	for i := 0; i < dst.NumField(); i++ {
		f := dst.Type().Field(i)
		if f.Type == baseType || f.Tag.Get("json") == "-" {
			continue
		}
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			copySerialized(writable(dst.Field(i)), writable(src.Field(i)))
			continue
		}
		if !f.IsExported() {
			continue
		}
		dst.Field(i).Set(src.Field(i))
	}
}

// writable returns v without the read-only flag reflect sets on values
// reached through unexported embedded fields
func writable(v reflect.Value) reflect.Value {
	return reflect.NewAt(v.Type(), unsafe.Pointer(v.UnsafeAddr())).Elem()
}
