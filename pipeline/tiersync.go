package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
)

// PipelineSynchronizer copies single objects between tiers. Callers hold
// the PipelineLock of the object in the mode matching the destination.
type PipelineSynchronizer struct {
	p *Pipeline
}

// provider returns the adapter behind a remote tier when it is configured
// and the type's data context allows it
func (s *PipelineSynchronizer) provider(tier Tier, t *DataType) (DataProvider, bool) {
	switch tier {
	case TierGlobalCache:
		if s.p.globalCache != nil && t.meta.IsCacheAllowed() {
			return s.p.globalCache, true
		}
	case TierGlobalStorage:
		if s.p.globalStorage != nil && t.meta.IsStorageAllowed() {
			return s.p.globalStorage, true
		}
	}
	return nil, false
}

// Available reports whether tier can hold objects of t
func (s *PipelineSynchronizer) Available(tier Tier, t *DataType) bool {
	if tier == TierLocal {
		return true
	}
	_, ok := s.provider(tier, t)
	return ok
}

// DoSynchronize copies (t, id) from source to destination. It returns false
// when either tier is unavailable or the source does not hold the object.
// A copy into the local tier builds a new instance, which runs
// LoadDependentData and OnLoad once, and leaves an instance already held
// locally untouched. callback runs after a successful copy.
func (s *PipelineSynchronizer) DoSynchronize(
	ctx context.Context, source, destination Tier, t *DataType, id uuid.UUID, callback func(),
) (bool, error) {
	if source == destination {
		return false, errors.WrapInvalid(
			fmt.Errorf("%w: source and destination are both %s", errors.ErrTierUnavailable, source),
			"PipelineSynchronizer", "DoSynchronize", "check tiers")
	}
	if !s.Available(source, t) || !s.Available(destination, t) {
		return false, nil
	}

	payload, err := s.read(ctx, source, t, id)
	if err != nil || payload == nil {
		s.p.metrics.RecordTierTransfer(t.StorageID(), source.String(), destination.String(), false)
		return false, err
	}

	ok, err := s.write(ctx, source, destination, t, id, payload)
	s.p.metrics.RecordTierTransfer(t.StorageID(), source.String(), destination.String(), ok && err == nil)
	if err != nil || !ok {
		return false, err
	}

	if t.meta.DebugMode {
		s.p.logger.Debug("Synchronized object", "type", t.StorageID(), "id", id,
			"source", source.String(), "destination", destination.String())
	}
	if callback != nil {
		callback()
	}
	return true, nil
}

func (s *PipelineSynchronizer) read(ctx context.Context, tier Tier, t *DataType, id uuid.UUID) ([]byte, error) {
	if tier == TierLocal {
		d := s.p.local.Load(t, id)
		if d == nil {
			return nil, nil
		}
		return s.p.codec.Serialize(d)
	}
	provider, _ := s.provider(tier, t)
	payload, err := provider.Load(ctx, t, id)
	if err != nil {
		return nil, errors.Tier(err, "PipelineSynchronizer", "read "+tier.String())
	}
	return payload, nil
}

func (s *PipelineSynchronizer) write(
	ctx context.Context, source, destination Tier, t *DataType, id uuid.UUID, payload []byte,
) (bool, error) {
	if destination != TierLocal {
		provider, _ := s.provider(destination, t)
		if err := provider.Save(ctx, t, id, payload); err != nil {
			return false, errors.Tier(err, "PipelineSynchronizer", "write "+destination.String())
		}
		return true, nil
	}

	// a live instance is never decoded into from here: readers share the
	// read lock, and updates reach it through the synchronizer
	if s.p.local.Exists(t, id) {
		return true, nil
	}

	d, err := s.p.local.Instantiate(t, id)
	if err != nil {
		return false, err
	}
	if err := s.p.codec.DeserializeInto(ctx, d, payload); err != nil {
		return s.corrupt(ctx, source, t, id, err)
	}
	if _, inserted, err := s.p.local.insertIfAbsent(t, d); err != nil || !inserted {
		// a concurrent reader pulled the object first
		return err == nil, err
	}
	if err := loadDependentData(ctx, d); err != nil {
		s.p.logger.Warn("Loading dependent data failed", "type", t.StorageID(), "id", id, "error", err)
	}
	fireLoad(d)
	return true, nil
}

// corrupt handles a payload that does not decode. A corrupt global cache
// entry is deleted so reads fall through to storage.
func (s *PipelineSynchronizer) corrupt(ctx context.Context, source Tier, t *DataType, id uuid.UUID, cause error) (bool, error) {
	s.p.logger.Warn("Corrupt payload", "type", t.StorageID(), "id", id, "tier", source.String(), "error", cause)
	if source != TierGlobalCache {
		return false, cause
	}
	provider, _ := s.provider(TierGlobalCache, t)
	if _, err := provider.Remove(ctx, t, id); err != nil {
		return false, errors.Tier(err, "PipelineSynchronizer", "remove corrupt entry")
	}
	return false, nil
}

// DoSync writes the local state of (t, id) to the global cache and, with
// pushToStorage, to global storage. With pushToNetwork an update is
// published once both writes are done.
func (s *PipelineSynchronizer) DoSync(ctx context.Context, t *DataType, id uuid.UUID, pushToStorage, pushToNetwork bool) error {
	var errs []error
	if _, err := s.DoSynchronize(ctx, TierLocal, TierGlobalCache, t, id, nil); err != nil {
		errs = append(errs, err)
	}
	if pushToStorage {
		if _, err := s.DoSynchronize(ctx, TierLocal, TierGlobalStorage, t, id, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if pushToNetwork {
		if d := s.p.local.Load(t, id); d != nil {
			if _, err := s.p.synchronizer(t).PushUpdate(ctx, d); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Shutdown closes every per-type synchronizer
func (s *PipelineSynchronizer) Shutdown() error {
	s.p.syncMu.Lock()
	defer s.p.syncMu.Unlock()
	var errs []error
	for _, syncer := range s.p.synchronizers {
		if err := syncer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
