// Package health reports the health of a node as a tree of statuses.
//
// A Status is healthy, degraded or unhealthy. A Checker runs named probes
// and aggregates their results: a failing critical probe makes the node
// unhealthy, a failing optional probe only degrades it.
//
//	checker := health.NewChecker("lobby-1", time.Second)
//	checker.Register("pipeline", true, func(ctx context.Context) error { ... })
//	checker.Register("sync-bus", false, func(ctx context.Context) error { ... })
//
//	status := checker.Check(ctx)
//	if status.IsUnhealthy() {
//		// stop routing players to this node
//	}
//
// Probe errors are sanitized before they reach Status.Message so health
// endpoints do not leak URLs, paths, addresses or credentials.
package health
