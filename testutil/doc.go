// Package testutil holds the contract tests every tier adapter runs.
//
// A provider test hands RunProviderContract a constructor for a fresh,
// empty pipeline.DataProvider; the contract then checks absent reads,
// upserts, removal, listing and classifier isolation. Lock services and
// transports have matching RunLockingContract and RunTransportContract
// suites. Adapters backed by external servers run the same contracts from
// their integration tests, so in-process and networked tiers are held to
// one behaviour.
//
// NewType builds standalone descriptors for adapter tests that have no
// pipeline of their own.
package testutil
