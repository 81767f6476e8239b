package config

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeConfig_ThreadSafety(t *testing.T) {
	sc := NewSafeConfig(validConfig())

	const goroutines = 50
	const operations = 200

	var wg sync.WaitGroup
	errs := make(chan error, goroutines)

	for i := 0; i < goroutines/2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				cfg := sc.Get()
				if cfg.Name != "lobby-1" && cfg.Name != "lobby-2" {
					errs <- fmt.Errorf("unexpected name %q", cfg.Name)
					return
				}
			}
		}()
	}

	for i := 0; i < goroutines/2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations/10; j++ {
				next := validConfig()
				next.Name = "lobby-2"
				if err := sc.Update(next); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, "lobby-2", sc.Get().Name)
}

func TestSafeConfig_GetReturnsCopy(t *testing.T) {
	sc := NewSafeConfig(validConfig())

	cfg := sc.Get()
	cfg.Name = "mutated"
	cfg.NATS.URLs[0] = "nats://mutated:4222"

	fresh := sc.Get()
	assert.Equal(t, "lobby-1", fresh.Name)
	assert.Equal(t, "nats://localhost:4222", fresh.NATS.URLs[0])
}

func TestSafeConfig_UpdateValidates(t *testing.T) {
	sc := NewSafeConfig(validConfig())

	assert.Error(t, sc.Update(nil))

	bad := validConfig()
	bad.Pipeline.GlobalCache.Kind = "redis"
	require.Error(t, sc.Update(bad))
	assert.Equal(t, CacheNone, sc.Get().Pipeline.GlobalCache.Kind)

	assert.Equal(t, &Config{}, NewSafeConfig(nil).Get())
}
