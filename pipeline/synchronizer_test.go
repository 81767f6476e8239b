package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

// recordingTransport keeps published payloads and the registered handlers
type recordingTransport struct {
	mu        sync.Mutex
	published map[string][][]byte
	handlers  map[string]func(context.Context, []byte)
	acks      int
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		published: make(map[string][][]byte),
		handlers:  make(map[string]func(context.Context, []byte)),
		acks:      3,
	}
}

type recordingSub struct{}

func (recordingSub) Unsubscribe() error { return nil }

func (r *recordingTransport) Subscribe(_ context.Context, channel string, handler func(context.Context, []byte)) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[channel] = handler
	return recordingSub{}, nil
}

func (r *recordingTransport) Publish(_ context.Context, channel string, payload []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[channel] = append(r.published[channel], payload)
	return r.acks, nil
}

func (r *recordingTransport) Close(context.Context) error { return nil }

func (r *recordingTransport) blocks(t *testing.T, channel string) []DataBlock {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DataBlock
	for _, payload := range r.published[channel] {
		var b DataBlock
		require.NoError(t, json.Unmarshal(payload, &b))
		out = append(out, b)
	}
	return out
}

type syncFixture struct {
	p   *Pipeline
	gc  *fakeCache
	bus *recordingTransport
	dt  *DataType
	log *journal
	s   *Synchronizer
}

func newSyncFixture(t *testing.T, meta TypeMetadata) syncFixture {
	gc, bus := newFakeCache(), newRecordingTransport()
	p := newTestPipeline(t, WithGlobalCache(gc), WithTransport(bus))
	log := &journal{}
	if meta.StorageID == "" {
		meta.StorageID = "hooked"
	}
	dt, err := Register(p, meta, hookedFactory(log))
	require.NoError(t, err)
	return syncFixture{p: p, gc: gc, bus: bus, dt: dt, log: log, s: p.Synchronizer(dt)}
}

func remoteBlock(kind BlockKind, id uuid.UUID, payload string) DataBlock {
	b := DataBlock{Kind: kind, Type: "hooked", ID: id, Origin: uuid.New(), MsgID: uuid.New()}
	if payload != "" {
		b.Payload = json.RawMessage(payload)
	}
	return b
}

func TestSynchronizer_Publish(t *testing.T) {
	f := newSyncFixture(t, TypeMetadata{})
	id := uuid.New()
	d := hookedFactory(f.log)(f.p, id)
	d.Value = 5

	acks, err := f.s.PushUpdate(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 3, acks)
	acks, err = f.s.PushRemove(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, acks)

	blocks := f.bus.blocks(t, "hooked")
	require.Len(t, blocks, 2)
	assert.Equal(t, KindUpdate, blocks[0].Kind)
	assert.Equal(t, "hooked", blocks[0].Type)
	assert.Equal(t, id, blocks[0].ID)
	assert.Equal(t, f.p.SessionID(), blocks[0].Origin)
	assert.NotEqual(t, uuid.Nil, blocks[0].MsgID)
	assert.JSONEq(t, payloadOf(id, `"value":5`), string(blocks[0].Payload))
	assert.Equal(t, KindRemove, blocks[1].Kind)
	assert.Empty(t, blocks[1].Payload)
	assert.NotEqual(t, blocks[0].MsgID, blocks[1].MsgID)
}

func TestSynchronizer_WireFormat(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	origin := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	msg := uuid.MustParse("00000000-0000-0000-0000-00000000000c")
	data, err := json.Marshal(DataBlock{Kind: KindRemove, Type: "players", ID: id, Origin: origin, MsgID: msg})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"REMOVE","type":"players","id":"`+id.String()+
		`","origin":"`+origin.String()+`","msgId":"`+msg.String()+`"}`, string(data))
}

func TestSynchronizer_NoTransport(t *testing.T) {
	p := newTestPipeline(t)
	dt := registerAccount(t, p, TypeMetadata{})
	acks, err := p.Synchronizer(dt).PushRemove(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Zero(t, acks)
}

func TestSynchronizer_DropsSelfOtherTypeAndDuplicates(t *testing.T) {
	f := newSyncFixture(t, TypeMetadata{})
	ctx := context.Background()
	id := uuid.New()
	_, err := f.p.LoadOrCreate(ctx, f.dt, id, nil).Get()
	require.NoError(t, err)

	self := remoteBlock(KindUpdate, id, payloadOf(id, `"value":1`))
	self.Origin = f.p.SessionID()
	require.NoError(t, f.s.Apply(ctx, self))

	foreign := remoteBlock(KindUpdate, id, payloadOf(id, `"value":2`))
	foreign.Type = "accounts"
	require.NoError(t, f.s.Apply(ctx, foreign))
	assert.Equal(t, 0, f.p.LocalCache().Load(f.dt, id).(*hooked).Value)

	update := remoteBlock(KindUpdate, id, payloadOf(id, `"value":3`))
	require.NoError(t, f.s.Apply(ctx, update))
	f.p.LocalCache().Load(f.dt, id).(*hooked).Value = 0
	require.NoError(t, f.s.Apply(ctx, update))
	assert.Equal(t, 0, f.p.LocalCache().Load(f.dt, id).(*hooked).Value, "duplicate ignored")
	assert.Equal(t, 1, countOf(f.log.list(), "sync"))
}

func TestSynchronizer_InvalidBlock(t *testing.T) {
	f := newSyncFixture(t, TypeMetadata{})
	err := f.s.Apply(context.Background(), remoteBlock(KindUpdate, uuid.New(), ""))
	assert.True(t, errors.IsInvalid(err))

	err = f.s.Apply(context.Background(), DataBlock{Kind: "PATCH", Type: "hooked", ID: uuid.New(), MsgID: uuid.New()})
	assert.ErrorIs(t, err, errors.ErrInvalidData)

	// undecodable payloads on the wire are dropped without panicking
	f.bus.mu.Lock()
	handler := f.bus.handlers["hooked"]
	f.bus.mu.Unlock()
	require.NotNil(t, handler)
	handler(context.Background(), []byte("garbage"))
}

func TestSynchronizer_Update(t *testing.T) {
	f := newSyncFixture(t, TypeMetadata{})
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, f.s.Apply(ctx, remoteBlock(KindUpdate, id, payloadOf(id, `"value":1`))))
	assert.False(t, f.p.LocalCache().Exists(f.dt, id), "update without local interest is ignored")

	_, err := f.p.LoadOrCreate(ctx, f.dt, id, nil).Get()
	require.NoError(t, err)
	before := f.p.LocalCache().Load(f.dt, id)

	f.p.LocalCache().Load(f.dt, id).(*hooked).log = &journal{}
	require.NoError(t, f.s.Apply(ctx, remoteBlock(KindUpdate, id, payloadOf(id, `"value":7`))))
	after := f.p.LocalCache().Load(f.dt, id).(*hooked)
	assert.Same(t, before, after, "applied in place")
	assert.Equal(t, 7, after.Value)
	assert.Equal(t, []string{"sync"}, after.log.list())

	err = f.s.Apply(ctx, remoteBlock(KindUpdate, id, payloadOf(uuid.New(), `"value":9`)))
	assert.ErrorIs(t, err, errors.ErrCorruptPayload)
	assert.Equal(t, 7, after.Value)
}

func TestSynchronizer_CreateNeedsInterest(t *testing.T) {
	f := newSyncFixture(t, TypeMetadata{})
	ctx := context.Background()

	ignored := uuid.New()
	require.NoError(t, f.s.Apply(ctx, remoteBlock(KindCreate, ignored, payloadOf(ignored, `"value":1`))))
	assert.False(t, f.p.LocalCache().Exists(f.dt, ignored))

	var created []uuid.UUID
	f.p.TrackCreations(f.dt, func(d Data) { created = append(created, d.ObjectID()) })
	tracked := uuid.New()
	require.NoError(t, f.s.Apply(ctx, remoteBlock(KindCreate, tracked, payloadOf(tracked, `"value":4`))))
	require.True(t, f.p.LocalCache().Exists(f.dt, tracked))
	assert.Equal(t, 4, f.p.LocalCache().Load(f.dt, tracked).(*hooked).Value)
	assert.Equal(t, []uuid.UUID{tracked}, created)
	assert.Equal(t, []string{"dependent", "create"}, f.log.list())
}

func TestSynchronizer_CreateLoadBefore(t *testing.T) {
	f := newSyncFixture(t, TypeMetadata{Preload: PreloadLoadBefore})
	id := uuid.New()
	require.NoError(t, f.s.Apply(context.Background(), remoteBlock(KindCreate, id, payloadOf(id, ""))))
	assert.True(t, f.p.LocalCache().Exists(f.dt, id))
}

func TestSynchronizer_Remove(t *testing.T) {
	f := newSyncFixture(t, TypeMetadata{})
	ctx := context.Background()
	id := uuid.New()
	_, err := f.p.LoadOrCreate(ctx, f.dt, id, nil).Get()
	require.NoError(t, err)
	require.NotNil(t, f.gc.raw(f.dt, id))

	require.NoError(t, f.s.Apply(ctx, remoteBlock(KindRemove, id, "")))
	assert.False(t, f.p.LocalCache().Exists(f.dt, id))
	assert.Nil(t, f.gc.raw(f.dt, id), "stale cache entry cleared")
	assert.Equal(t, []string{"dependent", "create", "delete"}, f.log.list())
}

func TestSynchronizer_Close(t *testing.T) {
	f := newSyncFixture(t, TypeMetadata{})
	require.NoError(t, f.s.Close())
	require.NoError(t, f.s.Close())
	acks, err := f.s.PushRemove(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Zero(t, acks, "closed synchronizers publish nothing")
}
