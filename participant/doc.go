// Package participant builds a network participant from configuration.
//
// Build connects NATS when any adapter needs it, opens the configured global
// cache, lock service, global storage and synchronization bus, and starts a
// pipeline over them. Entity types are registered on the returned pipeline
// by the caller:
//
//	node, err := participant.Build(ctx, cfg, logger)
//	if err != nil {
//		return err
//	}
//	defer node.Shutdown(context.Background())
//
//	players, err := pipeline.Register(node.Pipeline(), meta, NewPlayer)
//
// The memory kinds create private in-process adapters unless shared ones are
// passed with WithMemoryCache, WithMemoryStorage and WithMemoryBus, which is
// how several participants form a network inside one process.
//
// Health probes the pipeline and the NATS connection. A node whose NATS link
// only carries the synchronization bus is degraded while disconnected; one
// whose cache, storage or locks live in NATS is unhealthy.
package participant
