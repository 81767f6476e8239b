package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type account struct {
	Base
	Owner   string   `json:"owner"`
	Balance int      `json:"balance"`
	Tags    []string `json:"tags,omitempty"`
	Scratch string   `json:"-"`
}

func newAccount(_ *Pipeline, id uuid.UUID) *account {
	return &account{Base: NewBase(id)}
}

// journal records hook calls in order
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(event string) {
	j.mu.Lock()
	j.events = append(j.events, event)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

type hooked struct {
	Base
	Value int `json:"value"`

	log *journal
}

func (h *hooked) LoadDependentData(context.Context) error {
	h.log.add("dependent")
	return nil
}

func (h *hooked) OnCreate() { h.log.add("create") }
func (h *hooked) OnLoad() { h.log.add("load") }
func (h *hooked) OnSync(string) { h.log.add("sync") }
func (h *hooked) OnDelete() { h.log.add("delete") }
func (h *hooked) OnCleanUp() { h.log.add("cleanup") }

func newTestPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	base := []Option{
		WithWorkers(2),
		WithOperationTimeout(2 * time.Second),
		WithLockTimeout(2 * time.Second),
	}
	p, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func registerAccount(t *testing.T, p *Pipeline, meta TypeMetadata) *DataType {
	t.Helper()
	if meta.StorageID == "" {
		meta.StorageID = "accounts"
	}
	dt, err := Register(p, meta, newAccount)
	require.NoError(t, err)
	return dt
}

// fakeProvider is an in-memory DataProvider that can be told to fail
type fakeProvider struct {
	mu      sync.Mutex
	data    map[string][]byte
	err     error
	saveErr error
	loads   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{data: make(map[string][]byte)}
}

func (f *fakeProvider) key(t *DataType, id uuid.UUID) string { return CacheKey(t, id) }

func (f *fakeProvider) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeProvider) failSaves(err error) {
	f.mu.Lock()
	f.saveErr = err
	f.mu.Unlock()
}

func (f *fakeProvider) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

func (f *fakeProvider) Exists(_ context.Context, t *DataType, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.data[f.key(t, id)]
	return ok, nil
}

func (f *fakeProvider) Load(_ context.Context, t *DataType, id uuid.UUID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.data[f.key(t, id)], nil
}

func (f *fakeProvider) Save(_ context.Context, t *DataType, id uuid.UUID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.saveErr != nil {
		return f.saveErr
	}
	f.data[f.key(t, id)] = append([]byte(nil), payload...)
	return nil
}

func (f *fakeProvider) Remove(_ context.Context, t *DataType, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.data[f.key(t, id)]
	delete(f.data, f.key(t, id))
	return ok, nil
}

func (f *fakeProvider) SavedIDs(_ context.Context, t *DataType) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var ids []uuid.UUID
	for key := range f.data {
		if id, ok := ParseCacheKey(t, key); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeProvider) Close(context.Context) error { return nil }

func (f *fakeProvider) raw(t *DataType, id uuid.UUID) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[f.key(t, id)]
}

func (f *fakeProvider) put(t *DataType, id uuid.UUID, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[f.key(t, id)] = []byte(payload)
}

// fakeCache adds no-op locks to fakeProvider
type fakeCache struct {
	*fakeProvider
	DummyLockingService
}

func (f *fakeCache) Close(ctx context.Context) error { return f.fakeProvider.Close(ctx) }

func newFakeCache() *fakeCache {
	return &fakeCache{fakeProvider: newFakeProvider()}
}
