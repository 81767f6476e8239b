package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/VCore-Minecraft/VPipeline/errors"
	"github.com/VCore-Minecraft/VPipeline/pkg/cache"
)

// BlockKind is the kind of change a DataBlock carries
type BlockKind string

// Block kinds
const (
	KindUpdate BlockKind = "UPDATE"
	KindCreate BlockKind = "CREATE"
	KindRemove BlockKind = "REMOVE"
)

// DataBlock is the message exchanged by synchronizers
type DataBlock struct {
	Kind    BlockKind       `json:"kind"`
	Type    string          `json:"type"`
	ID      uuid.UUID       `json:"id"`
	Origin  uuid.UUID       `json:"origin"`
	MsgID   uuid.UUID       `json:"msgId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (b DataBlock) validate() error {
	switch b.Kind {
	case KindUpdate, KindCreate:
		if len(b.Payload) == 0 {
			return fmt.Errorf("%w: %s block without payload", errors.ErrInvalidData, b.Kind)
		}
	case KindRemove:
	default:
		return fmt.Errorf("%w: unknown block kind %q", errors.ErrInvalidData, b.Kind)
	}
	if b.ID == uuid.Nil || b.MsgID == uuid.Nil {
		return fmt.Errorf("%w: block without id", errors.ErrInvalidData)
	}
	return nil
}

// DefaultDedupWindow is how long a message id is remembered
const DefaultDedupWindow = 2 * time.Minute

// Synchronizer publishes and applies the changes of one type on this node.
// Without a transport it publishes nothing.
type Synchronizer struct {
	p    *Pipeline
	t    *DataType
	sub  Subscription
	seen cache.TTLCache[struct{}]

	closed atomic.Bool
}

func newSynchronizer(ctx context.Context, p *Pipeline, t *DataType) (*Synchronizer, error) {
	seen, err := cache.NewTTL[struct{}](p.ctx, p.dedupWindow, p.dedupWindow/2)
	if err != nil {
		return nil, err
	}
	s := &Synchronizer{p: p, t: t, seen: seen}

	if p.transport != nil {
		sub, err := p.transport.Subscribe(ctx, t.StorageID(), s.handle)
		if err != nil {
			_ = seen.Close()
			return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSynchronizerLost, err),
				"Synchronizer", "newSynchronizer", "subscribe "+t.StorageID())
		}
		s.sub = sub
	}
	return s, nil
}

// Type returns the synchronized type
func (s *Synchronizer) Type() *DataType { return s.t }

// PushUpdate sends the current state of d to the other nodes
func (s *Synchronizer) PushUpdate(ctx context.Context, d Data) (int, error) {
	return s.pushData(ctx, KindUpdate, d)
}

// PushCreate announces the new object d to the other nodes
func (s *Synchronizer) PushCreate(ctx context.Context, d Data) (int, error) {
	return s.pushData(ctx, KindCreate, d)
}

// PushRemove tells the other nodes to drop id
func (s *Synchronizer) PushRemove(ctx context.Context, id uuid.UUID) (int, error) {
	return s.Publish(ctx, DataBlock{Kind: KindRemove, ID: id})
}

func (s *Synchronizer) pushData(ctx context.Context, kind BlockKind, d Data) (int, error) {
	payload, err := s.p.codec.Serialize(d)
	if err != nil {
		return 0, err
	}
	return s.Publish(ctx, DataBlock{Kind: kind, ID: d.ObjectID(), Payload: payload})
}

// Publish stamps block with this node's session and a fresh message id and
// sends it. It returns the transport's acknowledgement count.
func (s *Synchronizer) Publish(ctx context.Context, block DataBlock) (int, error) {
	if s.p.transport == nil || s.closed.Load() {
		return 0, nil
	}
	block.Type = s.t.StorageID()
	block.Origin = s.p.session
	block.MsgID = uuid.New()
	if err := block.validate(); err != nil {
		return 0, errors.WrapInvalid(err, "Synchronizer", "Publish", "validate block")
	}

	data, err := json.Marshal(block)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Synchronizer", "Publish", "encode block")
	}
	acks, err := s.p.transport.Publish(ctx, s.t.StorageID(), data)
	if err != nil {
		return 0, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSynchronizerLost, err),
			"Synchronizer", "Publish", "publish "+string(block.Kind))
	}
	s.p.metrics.RecordSyncPublished(s.t.StorageID(), string(block.Kind))
	if s.t.meta.DebugMode {
		s.p.logger.Debug("Published data block",
			"type", s.t.StorageID(), "id", block.ID, "kind", block.Kind, "acks", acks)
	}
	return acks, nil
}

func (s *Synchronizer) drop(reason string, block DataBlock) {
	s.p.metrics.RecordSyncDropped(s.t.StorageID(), reason)
	if s.t.meta.DebugMode {
		s.p.logger.Debug("Dropped data block",
			"type", s.t.StorageID(), "id", block.ID, "kind", block.Kind, "reason", reason)
	}
}

func (s *Synchronizer) handle(ctx context.Context, data []byte) {
	if s.closed.Load() {
		return
	}
	var block DataBlock
	if err := json.Unmarshal(data, &block); err != nil {
		s.p.logger.Warn("Discarding undecodable data block", "type", s.t.StorageID(), "error", err)
		s.drop("invalid", block)
		return
	}
	if err := s.Apply(ctx, block); err != nil {
		s.p.logger.Warn("Failed to apply data block",
			"type", s.t.StorageID(), "id", block.ID, "kind", block.Kind, "error", err)
	}
}

// Apply applies a received block. Blocks from this node, blocks of another
// type and repeated message ids are ignored, so applying is idempotent.
func (s *Synchronizer) Apply(ctx context.Context, block DataBlock) error {
	switch {
	case block.Origin == s.p.session:
		s.drop("self", block)
		return nil
	case block.Type != s.t.StorageID():
		s.drop("type", block)
		return nil
	}
	if err := block.validate(); err != nil {
		s.drop("invalid", block)
		return errors.WrapInvalid(err, "Synchronizer", "Apply", "validate block")
	}
	if _, fresh, _ := s.seen.SetIfAbsent(block.MsgID.String(), struct{}{}); !fresh {
		s.drop("duplicate", block)
		return nil
	}

	applied := false
	err := s.p.CreateLock(s.t, block.ID).RunOnWriteLock(ctx, func(ctx context.Context) error {
		var err error
		switch block.Kind {
		case KindUpdate:
			applied, err = s.applyUpdate(ctx, block)
		case KindCreate:
			applied, err = s.applyCreate(ctx, block)
		case KindRemove:
			applied, err = s.applyRemove(ctx, block)
		}
		return err
	})
	if err != nil {
		_, _ = s.seen.Delete(block.MsgID.String())
		return err
	}
	if applied {
		s.p.metrics.RecordSyncApplied(s.t.StorageID(), string(block.Kind))
	} else {
		s.drop("no_local_interest", block)
	}
	return nil
}

func (s *Synchronizer) applyUpdate(ctx context.Context, block DataBlock) (bool, error) {
	d := s.p.local.Load(s.t, block.ID)
	if d == nil {
		return false, nil
	}
	before, err := s.p.codec.Serialize(d)
	if err != nil {
		return false, err
	}
	if err := s.p.codec.DeserializeInto(ctx, d, block.Payload); err != nil {
		return false, err
	}
	fireSync(d, string(before))
	return true, nil
}

func (s *Synchronizer) applyCreate(ctx context.Context, block DataBlock) (bool, error) {
	if s.p.local.Exists(s.t, block.ID) {
		return false, nil
	}
	if s.t.meta.Preload != PreloadLoadBefore && !s.p.hasCreationInterest(s.t) {
		return false, nil
	}
	d, err := s.p.local.Instantiate(s.t, block.ID)
	if err != nil {
		return false, err
	}
	if err := s.p.codec.DeserializeInto(ctx, d, block.Payload); err != nil {
		return false, err
	}
	if err := loadDependentData(ctx, d); err != nil {
		return false, err
	}
	fireCreate(d)
	if err := s.p.local.Save(s.t, d); err != nil {
		return false, err
	}
	s.p.notifyCreation(s.t, d)
	return true, nil
}

func (s *Synchronizer) applyRemove(ctx context.Context, block DataBlock) (bool, error) {
	applied := false
	if d := s.p.local.Load(s.t, block.ID); d != nil {
		fireDelete(d)
		applied = s.p.local.Remove(s.t, block.ID)
	}

	// the origin removes the cache entry too; this covers a write that
	// raced the delete
	if gc, ok := s.p.tierSync.provider(TierGlobalCache, s.t); ok {
		exists, err := gc.Exists(ctx, s.t, block.ID)
		if err != nil {
			return applied, errors.Tier(err, "Synchronizer", "applyRemove")
		}
		if exists {
			if _, err := gc.Remove(ctx, s.t, block.ID); err != nil {
				return applied, errors.Tier(err, "Synchronizer", "applyRemove")
			}
		}
	}
	return applied, nil
}

// Close unsubscribes from the transport
func (s *Synchronizer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var errs []error
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Synchronizer", "Close", "unsubscribe "+s.t.StorageID()))
		}
	}
	if err := s.seen.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
