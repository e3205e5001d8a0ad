// Package engine stages, commits and recovers application upgrades.
//
// # Overview
//
// An application is a profile resource plus the graph of resources it
// references. The engine keeps three resource tables in a TableStore:
//
//   - GLOBAL: the live set the application runs from
//   - UPGRADE: scratch space where a candidate is staged
//   - RECOVERY: the undo log written while GLOBAL is being replaced
//
// An attempt runs in three phases:
//
//  1. Checking - fetch the candidate profile and decide whether it is newer
//  2. Downloading - resolve every referenced resource into UPGRADE
//  3. Committing - swap the staged set into GLOBAL
//
// # Staging
//
// StagingEngine walks the reference graph breadth first. Resources already
// INSTALLED in UPGRADE at the declared version are reused, so an
// interrupted attempt resumes without refetching. Resources INSTALLED in
// GLOBAL at the declared version are copied without a fetch. Everything
// else is persisted as PENDING, resolved through the Resolver, and
// persisted again as INSTALLED. Transient resolution failures are retried
// with exponential backoff.
//
// # Commit and recovery
//
// CommitCoordinator writes RECOVERY and raises a swap marker in one store
// transaction, then writes GLOBAL and lowers the marker in another. The
// second transaction is the commit point. Recover runs before anything
// else after process start: a raised marker, or a leftover RECOVERY next
// to an inconsistent GLOBAL, restores GLOBAL from RECOVERY.
//
// # Entry point
//
// Upgrader runs attempts on a single worker slot. A second submission while
// one is running fails with ErrAlreadyRunning. Progress is throttled and
// delivered to a ProgressSink on its own goroutine. Every failure is
// converted to an Outcome:
//
//	out, err := upgrader.Upgrade(ctx, "https://apps.example.org/profile.yaml", false)
//	if err != nil {
//	    // only ErrAlreadyRunning
//	}
//	switch out.Kind {
//	case engine.OutcomeInstalled:
//	case engine.OutcomeMissingResource:
//	    if out.Retryable { ... }
//	}
//
// # Errors
//
// Errors are classified as transient, structural, environmental or
// invariant (see EngineError). Only transient errors are retried.
package engine
