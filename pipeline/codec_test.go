package pipeline

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

func TestCodec_RoundTrip(t *testing.T) {
	codec := NewCodec(nil)
	rapid.Check(t, func(rt *rapid.T) {
		in := newAccount(nil, drawID(rt))
		in.Owner = rapid.String().Draw(rt, "owner")
		in.Balance = rapid.Int().Draw(rt, "balance")
		in.Tags = rapid.SliceOfN(rapid.StringN(1, 8, -1), 0, 4).Draw(rt, "tags")
		in.Scratch = rapid.String().Draw(rt, "scratch")

		payload, err := codec.Serialize(in)
		if err != nil {
			rt.Fatalf("serialize: %v", err)
		}
		out := newAccount(nil, in.ID)
		if err := codec.DeserializeInto(context.Background(), out, payload); err != nil {
			rt.Fatalf("deserialize: %v", err)
		}

		if out.ID != in.ID || out.Owner != in.Owner || out.Balance != in.Balance {
			rt.Fatalf("round trip changed %+v into %+v", in, out)
		}
		if len(in.Tags) > 0 && !assert.ObjectsAreEqual(in.Tags, out.Tags) {
			rt.Fatalf("tags %v became %v", in.Tags, out.Tags)
		}
		if out.Scratch != "" {
			rt.Fatalf("transient field survived: %q", out.Scratch)
		}

		again, err := codec.Serialize(out)
		if err != nil || string(again) != string(payload) {
			rt.Fatalf("second serialization differs: %s vs %s", again, payload)
		}
	})
}

func TestCodec_Serialize(t *testing.T) {
	a := newAccount(nil, uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	a.Owner = "alice"
	a.Scratch = "never stored"

	payload, err := NewCodec(nil).Serialize(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"objectUUID":"00000000-0000-0000-0000-000000000001","owner":"alice","balance":0}`, string(payload))
}

func TestCodec_DeserializeIntoExisting(t *testing.T) {
	id := uuid.New()
	a := newAccount(nil, id)
	a.Owner = "alice"
	a.Tags = []string{"vip"}
	a.Scratch = "kept"
	a.touch()
	used := a.LastUsed()

	err := NewCodec(nil).DeserializeInto(context.Background(), a,
		[]byte(`{"objectUUID":"`+id.String()+`","balance":7}`))
	require.NoError(t, err)
	assert.Equal(t, 7, a.Balance)
	assert.Empty(t, a.Owner, "absent fields are cleared")
	assert.Nil(t, a.Tags)
	assert.Equal(t, "kept", a.Scratch, "transient fields stay local")
	assert.Equal(t, id, a.ID)
	assert.Equal(t, used, a.LastUsed())
}

type ledger struct {
	Base
	Entries map[string]int `json:"entries"`
	audit
}

type audit struct {
	Note string `json:"note,omitempty"`
}

func TestCodec_DeserializeReplacesMaps(t *testing.T) {
	id := uuid.New()
	l := &ledger{Base: NewBase(id), Entries: map[string]int{"a": 1, "b": 2}}
	l.Note = "old"

	err := NewCodec(nil).DeserializeInto(context.Background(), l,
		[]byte(`{"objectUUID":"`+id.String()+`","entries":{"b":3}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"b": 3}, l.Entries, "keys missing from the payload are gone")
	assert.Empty(t, l.Note, "promoted fields of unexported embedded structs are replaced")
}

func TestCodec_DeserializeErrors(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{"objectUUID":`},
		{"other id", `{"objectUUID":"` + uuid.NewString() + `","balance":1}`},
		{"wrong field type", `{"objectUUID":"` + id.String() + `","balance":"lots"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAccount(nil, id)
			a.Balance = 3
			err := NewCodec(nil).DeserializeInto(context.Background(), a, []byte(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrCorruptPayload)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	a := newAccount(nil, id)
	a.Balance = 3
	err := NewCodec(nil).DeserializeInto(context.Background(), a, []byte(`{"objectUUID":"`+uuid.NewString()+`"}`))
	require.Error(t, err)
	assert.Equal(t, 3, a.Balance, "rejected before the instance is touched")
}

type wallet struct {
	Base
	Owner Reference[*account] `json:"owner"`
}

func newWallet(_ *Pipeline, id uuid.UUID) *wallet { return &wallet{Base: NewBase(id)} }

func TestReference_JSON(t *testing.T) {
	p := newTestPipeline(t)
	accounts := registerAccount(t, p, TypeMetadata{StorageID: "accounts"})
	_, err := Register(p, TypeMetadata{StorageID: "wallets"}, newWallet)
	require.NoError(t, err)

	ownerID := uuid.New()
	ref, err := Ref[*account](p, ownerID)
	require.NoError(t, err)
	assert.True(t, ref.Valid())
	assert.Same(t, accounts, ref.Type())

	w := newWallet(p, uuid.New())
	w.Owner = ref
	payload, err := p.Codec().Serialize(w)
	require.NoError(t, err)

	var raw struct {
		Owner map[string]string `json:"owner"`
	}
	require.NoError(t, json.Unmarshal(payload, &raw))
	assert.Equal(t, map[string]string{"uuid": ownerID.String(), "type": "accounts"}, raw.Owner)

	decoded := newWallet(p, w.ID)
	require.NoError(t, p.Codec().DeserializeInto(context.Background(), decoded, payload))
	assert.True(t, decoded.Owner.Valid())
	assert.Equal(t, ownerID, decoded.Owner.ID())
	assert.Same(t, accounts, decoded.Owner.Type())
}

func TestReference_UnknownType(t *testing.T) {
	p := newTestPipeline(t)
	_, err := Register(p, TypeMetadata{StorageID: "wallets"}, newWallet)
	require.NoError(t, err)

	id := uuid.New()
	payload := `{"objectUUID":"` + id.String() + `","owner":{"uuid":"` + uuid.NewString() + `","type":"ghosts"}}`
	w := newWallet(p, id)
	require.NoError(t, p.Codec().DeserializeInto(context.Background(), w, []byte(payload)))
	assert.False(t, w.Owner.Valid(), "unknown storage id yields a zero reference")

	_, err = w.Owner.Exists(context.Background()).Get()
	assert.ErrorIs(t, err, errors.ErrUnregisteredType)
}
