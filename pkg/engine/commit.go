package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/openfroyo/appstage/pkg/resource"
	"github.com/openfroyo/appstage/pkg/stores"
)

// RecoveryAction is what the startup recovery check did.
type RecoveryAction string

const (
	RecoveryNone           RecoveryAction = "none"
	RecoveryRestored       RecoveryAction = "restored"
	RecoveryDiscardedStale RecoveryAction = "discarded_stale"
)

// RecoveryReport describes the result of Recover.
type RecoveryReport struct {
	Action   RecoveryAction `json:"action"`
	Restored int            `json:"restored"`
	Reason   string         `json:"reason,omitempty"`
}

// CommitCoordinator atomically replaces GLOBAL with the staged set and
// restores GLOBAL after a crash mid-swap.
//
// Commit order:
//  1. RECOVERY := GLOBAL, superseded records marked UPGRADE; swap marker raised.
//  2. GLOBAL := INSTALLED records of UPGRADE; swap marker lowered. This is the commit point.
//  3. UPGRADE and RECOVERY cleared. Failures here are logged only.
type CommitCoordinator struct {
	store stores.TableStore
	opts  options
}

// NewCommitCoordinator creates a commit coordinator.
func NewCommitCoordinator(store stores.TableStore, opts ...Option) *CommitCoordinator {
	return &CommitCoordinator{
		store: store,
		opts:  newOptions(opts),
	}
}

// Commit promotes UPGRADE to GLOBAL. UPGRADE must be UPGRADE_READY.
func (c *CommitCoordinator) Commit(ctx context.Context, attemptID string, rep Reporter) (err error) {
	if rep == nil {
		rep = nopReporter{}
	}
	ctx, span := tracer.Start(ctx, "engine.commit")
	defer span.End()

	start := time.Now()
	defer func() {
		c.opts.metrics.RecordCommit(time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	// The swap is not interruptible once started.
	ctx = context.WithoutCancel(ctx)
	log := c.opts.logger.With().Str("attempt_id", attemptID).Logger()

	global, err := c.store.Load(ctx, resource.IdentityGlobal)
	if err != nil {
		return storeError("load_global", err)
	}
	upgrade, err := c.store.Load(ctx, resource.IdentityUpgrade)
	if err != nil {
		return storeError("load_upgrade", err)
	}
	if r := upgrade.Readiness(); r != resource.ReadinessUpgradeReady {
		return NewInvariantError(fmt.Sprintf("upgrade table is %s", r), nil).
			WithCode(ErrCodeNotReady).
			WithOperation("commit")
	}

	next := resource.NewTableFrom(resource.IdentityGlobal, upgrade.Installed())
	total := next.Len() + 2
	rep.Report(Progress{Completed: 0, Total: total, Phase: PhaseCommitting})

	recovery, err := global.Clone(resource.IdentityRecovery)
	if err != nil {
		return NewInvariantError("failed to snapshot global table", err).WithOperation("commit")
	}
	for _, rec := range recovery.Installed() {
		newer, ok := next.ResourceWithID(rec.ID)
		if !ok || !newer.IsNewer(rec) {
			continue
		}
		if err := recovery.MarkUpgrade(rec.ID, newer, resource.IdentityUpgrade); err != nil {
			return NewInvariantError("failed to mark superseded resource", err).
				WithCode(ErrCodeStateViolation).
				WithResource(rec.ID)
		}
	}

	if err := c.store.BeginSwap(ctx, recovery); err != nil {
		return storeError("begin_swap", err)
	}
	rep.Report(Progress{Completed: 1, Total: total, Phase: PhaseCommitting})

	if err := c.store.CompleteSwap(ctx, next); err != nil {
		log.Error().Err(err).Msg("swap interrupted; global table will be restored on next start")
		return storeError("complete_swap", err)
	}
	rep.Report(Progress{Completed: total - 1, Total: total, Phase: PhaseCommitting})

	if err := c.store.Clear(ctx, resource.IdentityUpgrade); err != nil {
		log.Warn().Err(err).Msg("failed to clear upgrade table after commit")
	}
	if err := c.store.Clear(ctx, resource.IdentityRecovery); err != nil {
		log.Warn().Err(err).Msg("failed to clear recovery table after commit")
	}
	c.purgePayloads(ctx, global, upgrade, next)
	rep.Report(Progress{Completed: total, Total: total, Phase: PhaseCommitting})

	profile, _ := next.Profile()
	span.SetAttributes(attribute.Int("commit.records", next.Len()), attribute.Int("profile.version", profile.Version))
	log.Info().Int("records", next.Len()).Int("version", profile.Version).Msg("committed upgrade")
	c.opts.emit(ctx, c.store, &Event{
		Type:      EventTypeCommitted,
		AttemptID: attemptID,
		Message:   fmt.Sprintf("installed profile version %d", profile.Version),
		Data:      map[string]interface{}{"records": next.Len(), "version": profile.Version},
	})
	c.recordTables(ctx)
	return nil
}

// purgePayloads deletes the stored bytes of every record the committed
// GLOBAL no longer holds at that version. Failures are logged only.
func (c *CommitCoordinator) purgePayloads(ctx context.Context, previous, staged, next *resource.Table) {
	ps := c.opts.payloads
	if ps == nil {
		return
	}

	seen := map[string]bool{}
	var dropped []resource.Record
	for _, table := range []*resource.Table{previous, staged} {
		for _, rec := range table.Records() {
			key := fmt.Sprintf("%s@%d", rec.ID, rec.Version)
			if seen[key] {
				continue
			}
			seen[key] = true
			if kept, ok := next.ResourceWithID(rec.ID); ok && kept.Version == rec.Version {
				continue
			}
			dropped = append(dropped, rec)
		}
	}

	for _, rec := range dropped {
		if err := ps.Delete(ctx, rec.ID, rec.Version); err != nil {
			c.opts.logger.Warn().Err(err).
				Str("resource_id", rec.ID).
				Int("version", rec.Version).
				Msg("failed to delete payload")
		}
	}
	if len(dropped) > 0 {
		c.opts.logger.Debug().Int("payloads", len(dropped)).Msg("deleted payloads no longer installed")
	}
}

// Recover runs the startup recovery check. It must run before any other
// table access after process start.
func (c *CommitCoordinator) Recover(ctx context.Context) (*RecoveryReport, error) {
	ctx, span := tracer.Start(ctx, "engine.recover")
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	pending, err := c.store.SwapPending(ctx)
	if err != nil {
		return nil, storeError("swap_pending", err)
	}
	global, err := c.store.Load(ctx, resource.IdentityGlobal)
	if err != nil {
		return nil, storeError("load_global", err)
	}
	recovery, err := c.store.Load(ctx, resource.IdentityRecovery)
	if err != nil {
		return nil, storeError("load_recovery", err)
	}

	report := &RecoveryReport{Action: RecoveryNone}
	inconsistent := !global.IsConsistentLive()

	switch {
	case pending:
		report.Reason = "swap marker raised"
	case !recovery.IsEmpty() && inconsistent:
		report.Reason = "global table inconsistent"
	case !recovery.IsEmpty():
		if err := c.store.Clear(ctx, resource.IdentityRecovery); err != nil {
			return nil, storeError("clear_recovery", err)
		}
		report.Action = RecoveryDiscardedStale
		report.Reason = "commit finished before cleanup"
		c.finishRecovery(ctx, report)
		return report, nil
	default:
		return report, nil
	}

	restored, err := recovery.Clone(resource.IdentityGlobal)
	if err != nil {
		return nil, NewInvariantError("failed to copy recovery table", err).WithOperation("recover")
	}
	for _, rec := range restored.WithStatus(resource.StatusUpgrade) {
		if err := restored.SetStatus(rec.ID, resource.StatusInstalled); err != nil {
			return nil, NewInvariantError("failed to revert superseded resource", err).
				WithCode(ErrCodeStateViolation).
				WithResource(rec.ID)
		}
	}

	if err := c.store.CompleteSwap(ctx, restored); err != nil {
		return nil, storeError("restore_global", err)
	}
	if err := c.store.Clear(ctx, resource.IdentityRecovery); err != nil {
		return nil, storeError("clear_recovery", err)
	}

	report.Action = RecoveryRestored
	report.Restored = restored.Len()
	c.finishRecovery(ctx, report)
	return report, nil
}

func (c *CommitCoordinator) finishRecovery(ctx context.Context, report *RecoveryReport) {
	c.opts.metrics.RecordRecovery(string(report.Action))
	c.opts.logger.Warn().
		Str("action", string(report.Action)).
		Int("restored", report.Restored).
		Str("reason", report.Reason).
		Msg("startup recovery acted")
	c.opts.emit(ctx, c.store, &Event{
		Type:    EventTypeRecovered,
		Level:   string(stores.EventLevelWarning),
		Message: fmt.Sprintf("%s: %s", report.Action, report.Reason),
		Data:    map[string]interface{}{"restored": report.Restored},
	})
	c.recordTables(ctx)
}

// recordTables publishes per-status record counts for every table.
func (c *CommitCoordinator) recordTables(ctx context.Context) {
	for _, identity := range resource.Identities {
		table, err := c.store.Load(ctx, identity)
		if err != nil {
			continue
		}
		counts := map[resource.Status]int{}
		for _, rec := range table.Records() {
			counts[rec.Status]++
		}
		for _, status := range []resource.Status{
			resource.StatusUninitialized,
			resource.StatusPending,
			resource.StatusUpgrade,
			resource.StatusInstalled,
			resource.StatusDeleted,
		} {
			c.opts.metrics.SetTableRecords(string(identity), string(status), float64(counts[status]))
		}
	}
}
