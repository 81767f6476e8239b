// Package pipeline implements a tiered, write-through object pipeline with
// cross-node synchronization.
//
// Every entity lives in up to three tiers: the node's LocalCache, a shared
// GlobalCache and a durable GlobalStorage. Reads escalate from local to the
// global cache to storage and copy the object into the local cache on the
// way. Writes go to the local instance first and then fan out to every tier
// the type's DataContext allows. A per-type Synchronizer publishes each
// change as a DataBlock so that other nodes holding the object apply it.
//
// Types are registered explicitly:
//
//	type Player struct {
//	    pipeline.Base
//	    Name  string `json:"name"`
//	    Coins int    `json:"coins"`
//	}
//
//	p, _ := pipeline.New(
//	    pipeline.WithGlobalCache(gc),
//	    pipeline.WithGlobalStorage(gs),
//	    pipeline.WithTransport(bus),
//	)
//	_, err := pipeline.Register(p, pipeline.TypeMetadata{StorageID: "players"},
//	    func(_ *pipeline.Pipeline, id uuid.UUID) *Player {
//	        return &Player{Base: pipeline.NewBase(id)}
//	    })
//
// Asynchronous operations return a Future resolved on the pipeline's
// executor. The returned PipelineLock gives scoped access to the object:
//
//	lock, err := pipeline.LoadOrCreate[*Player](ctx, p, id, nil).Await(ctx)
//	err = lock.PerformWriteOperation(ctx, func(pl *Player) error {
//	    pl.Coins += 10
//	    return nil
//	}, true)
//
// Every inspection or mutation of an object happens under its PipelineLock,
// which composes a node-local read/write lock with the distributed lock of
// the configured LockingService. Locks are not reentrant.
//
// Entities may implement the optional hook interfaces (DependencyLoader,
// Creator, Loader, Syncer, Deleter, CleanUpper). For one object the hooks
// fire in the order LoadDependentData, OnCreate or OnLoad, any number of
// OnSync, then OnCleanUp or OnDelete.
package pipeline
