// Package objectstore is a global storage on a NATS JetStream object store
// bucket. Every type shares the bucket; objects are named
// <classifier>/<storageId>/<uuid> so SavedIDs filters the bucket listing by
// prefix.
//
// The store reuses the NATS client of the participant, so clusters that
// already run JetStream for the global cache and the sync bus need no
// separate database:
//
//	store, err := objectstore.Open(ctx, client, objectstore.Config{
//		Bucket:   "VPIPELINE_OBJECTS",
//		Replicas: 3,
//	}, registry, logger)
//
// Deleted objects leave a tombstone in the bucket until it is purged;
// Exists, Load and SavedIDs skip them.
//
// # Metrics
//
// With a registry the store exports, labelled by bucket:
//
//	vpipeline_objectstore_operations_total{operation}
//	vpipeline_objectstore_operation_duration_seconds{operation}
//	vpipeline_objectstore_operation_errors_total{operation}
//	vpipeline_objectstore_storage_bytes
package objectstore
