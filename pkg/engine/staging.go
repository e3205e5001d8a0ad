package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/appstage/pkg/resource"
	"github.com/openfroyo/appstage/pkg/stores"
)

// StageStatus is the result of a successful staging pass.
type StageStatus string

const (
	// StageCommittable means the candidate is newer than GLOBAL and UPGRADE is ready.
	StageCommittable StageStatus = "committable"

	// StageUpToDate means the candidate equals or predates what is installed.
	StageUpToDate StageStatus = "up_to_date"

	// StageNotNewer means UPGRADE holds a complete candidate that differs
	// from GLOBAL but is not newer. It is left staged and not committed.
	StageNotNewer StageStatus = "staged_not_newer"
)

// StageRequest describes one staging pass.
type StageRequest struct {
	AttemptID        string
	Mode             Mode
	ProfileReference string
	StartOver        bool
	InstalledApps    []string
}

// StageResult summarizes a staging pass.
type StageResult struct {
	Status  StageStatus     `json:"status"`
	Profile resource.Record `json:"profile"`
	Fetched int             `json:"fetched"`
	Reused  int             `json:"reused"`
	Deleted int             `json:"deleted"`
	Total   int             `json:"total"`
}

// StagingEngine resolves a candidate profile and its reference graph into
// the UPGRADE table. Every record it persists is either PENDING or
// INSTALLED, so an interrupted pass resumes from where it stopped.
type StagingEngine struct {
	store    stores.TableStore
	resolver Resolver
	opts     options
}

// NewStagingEngine creates a staging engine.
func NewStagingEngine(store stores.TableStore, resolver Resolver, opts ...Option) *StagingEngine {
	return &StagingEngine{
		store:    store,
		resolver: resolver,
		opts:     newOptions(opts),
	}
}

// stagingRun holds the state of one pass.
type stagingRun struct {
	s       *StagingEngine
	req     StageRequest
	log     zerolog.Logger
	rep     Reporter
	global  *resource.Table
	upgrade *resource.Table

	// sameCandidate is set when UPGRADE was staged for the same profile version.
	sameCandidate bool

	referenced map[string]bool
	known      map[string]bool
	completed  int
	phase      Phase
	result     StageResult
}

// Stage runs a staging pass. On failure the persisted UPGRADE table keeps
// whatever was resolved so far.
func (s *StagingEngine) Stage(ctx context.Context, req StageRequest, rep Reporter) (*StageResult, error) {
	if rep == nil {
		rep = nopReporter{}
	}

	ctx, span := tracer.Start(ctx, "engine.stage", trace.WithAttributes(
		attribute.String("attempt.id", req.AttemptID),
		attribute.String("attempt.mode", string(req.Mode)),
		attribute.Bool("staging.start_over", req.StartOver),
	))
	defer span.End()

	result, err := s.stage(ctx, req, rep)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("staging.status", string(result.Status)),
		attribute.Int("staging.fetched", result.Fetched),
		attribute.Int("staging.reused", result.Reused),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (s *StagingEngine) stage(ctx context.Context, req StageRequest, rep Reporter) (*StageResult, error) {
	r := &stagingRun{
		s:          s,
		req:        req,
		rep:        rep,
		log:        s.opts.logger.With().Str("attempt_id", req.AttemptID).Logger(),
		referenced: make(map[string]bool),
		known:      map[string]bool{resource.ProfileID: true},
		phase:      PhaseChecking,
	}

	var err error
	if r.global, err = s.store.Load(ctx, resource.IdentityGlobal); err != nil {
		return nil, storeError("load_global", err)
	}
	if r.upgrade, err = s.store.Load(ctx, resource.IdentityUpgrade); err != nil {
		return nil, storeError("load_upgrade", err)
	}

	if req.StartOver && !r.upgrade.IsEmpty() {
		if err := r.discard(ctx, "start over requested"); err != nil {
			return nil, err
		}
	}
	if r.upgrade.IsEmpty() {
		if err := s.store.SetMeta(ctx, stores.MetaStagingStarted, millis(s.opts.clock())); err != nil {
			return nil, storeError("set_meta", err)
		}
	}

	priorProfile, hadPrior := r.upgrade.Profile()
	priorReady := r.upgrade.Readiness() == resource.ReadinessUpgradeReady

	r.report()
	profile := resource.NewRecord(resource.ProfileID, 0, req.ProfileReference)
	profile.Kind = resource.KindProfile
	res, err := r.resolve(ctx, profile)
	if err != nil {
		return nil, err
	}
	candidate := res.Record
	r.result.Profile = candidate

	if hadPrior && priorProfile.Version > candidate.Version {
		if err := r.discard(ctx, fmt.Sprintf("staged profile version %d is ahead of candidate %d",
			priorProfile.Version, candidate.Version)); err != nil {
			return nil, err
		}
		hadPrior, priorReady = false, false
	}
	r.sameCandidate = hadPrior && priorProfile.Version == candidate.Version

	if err := s.evaluatePolicy(ctx, req, candidate, r.global); err != nil {
		return nil, err
	}

	installed, hasInstalled := r.global.Profile()
	hasInstalled = hasInstalled && installed.Status == resource.StatusInstalled
	newer := !hasInstalled || candidate.IsNewer(installed)

	if hasInstalled && installed.IsNewer(candidate) {
		r.log.Info().
			Int("installed", installed.Version).
			Int("candidate", candidate.Version).
			Msg("candidate profile is older than the installed one")
		r.finishChecking()
		r.result.Status = StageUpToDate
		return &r.result, nil
	}
	if !newer && r.sameCandidate && priorReady {
		r.log.Debug().Int("version", candidate.Version).Msg("candidate already staged and ready")
		r.finishChecking()
		r.result.Status = StageUpToDate
		r.result.Total = r.upgrade.Len()
		return &r.result, nil
	}

	if err := r.admit(ctx, candidate); err != nil {
		return nil, err
	}
	if err := r.install(ctx, candidate); err != nil {
		return nil, err
	}
	r.result.Fetched++
	r.referenced[resource.ProfileID] = true
	r.completed++

	queue, err := r.enqueue(ctx, nil, res.Children)
	if err != nil {
		return nil, err
	}
	r.report()

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, cancelledError(err)
		}

		next := queue[0]
		queue = queue[1:]
		if r.referenced[next.ID] {
			continue
		}
		r.referenced[next.ID] = true

		children, err := r.stageChild(ctx, next)
		if err != nil {
			return nil, err
		}
		if queue, err = r.enqueue(ctx, queue, children); err != nil {
			return nil, err
		}
		r.completed++
		r.report()
	}

	if err := r.markUnreferenced(ctx); err != nil {
		return nil, err
	}

	if err := s.checkRequirements(r.upgrade.Installed()); err != nil {
		return nil, err
	}

	r.result.Total = len(r.referenced)
	switch {
	case newer:
		r.result.Status = StageCommittable
	case sameInstalledSet(r.upgrade, r.global):
		r.result.Status = StageUpToDate
	default:
		r.result.Status = StageNotNewer
	}

	r.log.Info().
		Str("status", string(r.result.Status)).
		Int("version", candidate.Version).
		Int("fetched", r.result.Fetched).
		Int("reused", r.result.Reused).
		Int("deleted", r.result.Deleted).
		Msg("staging finished")
	return &r.result, nil
}

// stageChild stages one discovered record and returns the records it references.
func (r *stagingRun) stageChild(ctx context.Context, declared resource.Record) ([]resource.Record, error) {
	if rec, ok := r.upgrade.ResourceWithID(declared.ID); ok && rec.Status == resource.StatusInstalled &&
		r.matchesStaged(rec, declared) && r.payloadIntact(ctx, rec) {
		if children, ok := r.lookupChildren(rec); ok {
			r.reused(ctx, rec, "upgrade")
			return children, nil
		}
	}

	if rec, ok := r.global.ResourceWithID(declared.ID); ok && rec.Status == resource.StatusInstalled &&
		declared.Version > 0 && rec.Version == declared.Version && r.payloadIntact(ctx, rec) {
		if children, ok := r.lookupChildren(rec); ok {
			if err := r.admit(ctx, rec); err != nil {
				return nil, err
			}
			if err := r.install(ctx, rec); err != nil {
				return nil, err
			}
			r.reused(ctx, rec, "global")
			return children, nil
		}
	}

	r.phase = PhaseDownloading
	if err := r.admit(ctx, declared); err != nil {
		return nil, err
	}
	res, err := r.resolve(ctx, declared)
	if err != nil {
		return nil, err
	}
	if declared.Version > 0 && res.Record.Version != declared.Version {
		return nil, NewInvalidPayloadError(declared.ID, fmt.Errorf(
			"payload declares version %d, referenced as version %d", res.Record.Version, declared.Version))
	}
	if err := r.install(ctx, res.Record); err != nil {
		return nil, err
	}
	r.result.Fetched++
	r.s.opts.emit(ctx, r.s.store, &Event{
		Type:       EventTypeResourceStaged,
		AttemptID:  r.req.AttemptID,
		ResourceID: declared.ID,
		Message:    fmt.Sprintf("staged %s version %d", declared.ID, res.Record.Version),
		Data:       map[string]interface{}{"version": res.Record.Version, "digest": res.Record.Digest},
	})
	return res.Children, nil
}

// matchesStaged reports whether a record already in UPGRADE satisfies the declaration.
func (r *stagingRun) matchesStaged(rec, declared resource.Record) bool {
	if declared.Version > 0 {
		return rec.Version == declared.Version
	}
	return r.sameCandidate
}

// payloadIntact reports whether the stored bytes of rec are present and match
// its digest. Without a payload store every record is taken as intact.
func (r *stagingRun) payloadIntact(ctx context.Context, rec resource.Record) bool {
	ps := r.s.opts.payloads
	if ps == nil {
		return true
	}
	if !ps.Has(ctx, rec.ID, rec.Version) {
		r.log.Debug().Str("resource_id", rec.ID).Int("version", rec.Version).Msg("payload missing; refetching")
		return false
	}
	if _, err := ps.Get(ctx, rec.ID, rec.Version, rec.Digest); err != nil {
		r.log.Warn().Err(err).Str("resource_id", rec.ID).Int("version", rec.Version).Msg("stored payload unusable; refetching")
		return false
	}
	return true
}

// lookupChildren rebuilds the declared children of a stored record from
// UPGRADE or GLOBAL. It fails if any child is unknown to both.
func (r *stagingRun) lookupChildren(rec resource.Record) ([]resource.Record, bool) {
	out := make([]resource.Record, 0, len(rec.Children))
	for _, id := range rec.Children {
		child, ok := r.upgrade.ResourceWithID(id)
		if !ok {
			child, ok = r.global.ResourceWithID(id)
		}
		if !ok {
			return nil, false
		}
		out = append(out, child)
	}
	return out, true
}

func (r *stagingRun) reused(ctx context.Context, rec resource.Record, source string) {
	r.result.Reused++
	r.s.opts.metrics.RecordReuse(source)
	r.log.Debug().Str("resource_id", rec.ID).Int("version", rec.Version).Str("source", source).Msg("reusing resource")
	r.s.opts.emit(ctx, r.s.store, &Event{
		Type:       EventTypeResourceReused,
		AttemptID:  r.req.AttemptID,
		Level:      string(stores.EventLevelDebug),
		ResourceID: rec.ID,
		Message:    fmt.Sprintf("reused %s version %d from %s", rec.ID, rec.Version, source),
	})
}

// admit records a discovered resource in UPGRADE as PENDING and persists it.
// A DELETED record, or one ahead of the declared version, is replaced.
func (r *stagingRun) admit(ctx context.Context, declared resource.Record) error {
	rec := declared.Clone()
	current, ok := r.upgrade.ResourceWithID(rec.ID)
	if ok && (current.Status == resource.StatusDeleted || current.IsNewer(rec)) {
		r.upgrade.Remove(rec.ID)
		ok = false
	}
	if ok && !rec.IsNewer(current) {
		return nil
	}

	rec.Status = resource.StatusUninitialized
	r.upgrade.AddOrUpdate(rec)
	if err := r.upgrade.SetStatus(rec.ID, resource.StatusPending); err != nil {
		return NewInvariantError("failed to admit resource", err).
			WithCode(ErrCodeStateViolation).
			WithResource(rec.ID)
	}
	return r.persist(ctx, rec.ID)
}

// install moves a resolved record to INSTALLED in UPGRADE and persists it.
func (r *stagingRun) install(ctx context.Context, resolved resource.Record) error {
	rec := resolved.Clone()
	current, ok := r.upgrade.ResourceWithID(rec.ID)
	switch {
	case !ok || rec.IsNewer(current):
		rec.Status = resource.StatusUninitialized
		r.upgrade.AddOrUpdate(rec)
	default:
		if err := r.upgrade.Refresh(rec); err != nil {
			return NewInvariantError("failed to refresh resource", err).
				WithCode(ErrCodeStateViolation).
				WithResource(rec.ID)
		}
	}

	stored, _ := r.upgrade.ResourceWithID(rec.ID)
	if stored.Status == resource.StatusUninitialized {
		if err := r.upgrade.SetStatus(rec.ID, resource.StatusPending); err != nil {
			return NewInvariantError("failed to install resource", err).
				WithCode(ErrCodeStateViolation).
				WithResource(rec.ID)
		}
	}
	if stored.Status != resource.StatusInstalled {
		if err := r.upgrade.SetStatus(rec.ID, resource.StatusInstalled); err != nil {
			return NewInvariantError("failed to install resource", err).
				WithCode(ErrCodeStateViolation).
				WithResource(rec.ID)
		}
	}
	return r.persist(ctx, rec.ID)
}

// persist writes one UPGRADE record. A resolution that finished is always
// recorded, even if the attempt was cancelled meanwhile.
func (r *stagingRun) persist(ctx context.Context, id string) error {
	stored, _ := r.upgrade.ResourceWithID(id)
	if err := r.s.store.SaveRecord(context.WithoutCancel(ctx), resource.IdentityUpgrade, stored); err != nil {
		return storeError("save_record", err)
	}
	return nil
}

// discard destroys UPGRADE so staging starts over.
func (r *stagingRun) discard(ctx context.Context, reason string) error {
	r.log.Info().Str("reason", reason).Int("records", r.upgrade.Len()).Msg("discarding staged resources")
	if err := r.s.store.Clear(ctx, resource.IdentityUpgrade); err != nil {
		return storeError("clear_upgrade", err)
	}
	r.upgrade.Destroy()
	if err := r.s.store.SetMeta(ctx, stores.MetaStagingStarted, millis(r.s.opts.clock())); err != nil {
		return storeError("set_meta", err)
	}
	r.s.opts.emit(ctx, r.s.store, &Event{
		Type:      EventTypeStagingDiscarded,
		AttemptID: r.req.AttemptID,
		Message:   reason,
	})
	return nil
}

// markUnreferenced marks records the candidate no longer references as DELETED.
func (r *stagingRun) markUnreferenced(ctx context.Context) error {
	for _, rec := range r.upgrade.Records() {
		if r.referenced[rec.ID] || rec.Status == resource.StatusDeleted {
			continue
		}
		if err := r.upgrade.SetStatus(rec.ID, resource.StatusDeleted); err != nil {
			return NewInvariantError("failed to delete resource", err).
				WithCode(ErrCodeStateViolation).
				WithResource(rec.ID)
		}
		if err := r.persist(ctx, rec.ID); err != nil {
			return err
		}
		r.result.Deleted++
		r.s.opts.emit(ctx, r.s.store, &Event{
			Type:       EventTypeResourceDeleted,
			AttemptID:  r.req.AttemptID,
			ResourceID: rec.ID,
			Message:    fmt.Sprintf("%s is no longer referenced", rec.ID),
		})
	}
	return nil
}

// enqueue queues newly discovered children and admits each to UPGRADE
// right away, so a resumed pass can rebuild the children of a parent it
// reuses even when they were never reached.
func (r *stagingRun) enqueue(ctx context.Context, queue, children []resource.Record) ([]resource.Record, error) {
	for _, child := range children {
		if r.known[child.ID] {
			continue
		}
		r.known[child.ID] = true
		if err := r.admit(ctx, child); err != nil {
			return nil, err
		}
		queue = append(queue, child)
	}
	return queue, nil
}

func (r *stagingRun) report() {
	r.rep.Report(Progress{Completed: r.completed, Total: len(r.known), Phase: r.phase})
}

func (r *stagingRun) finishChecking() {
	r.completed = len(r.known)
	r.report()
}

// resolve calls the resolver, retrying transient failures with backoff.
// Cancellation is honored between attempts, never during one.
func (r *stagingRun) resolve(ctx context.Context, rec resource.Record) (*Resolution, error) {
	s := r.s
	fetchCtx := context.WithoutCancel(ctx)
	maxAttempts := s.opts.retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		res, err := s.resolver.Resolve(fetchCtx, rec)
		s.opts.metrics.RecordResolution(string(rec.Kind), time.Since(start))
		if err == nil {
			if res == nil || res.Record.ID != rec.ID {
				return nil, NewInvalidPayloadError(rec.ID, errors.New("resolver returned a different resource"))
			}
			return res, nil
		}

		var ee *EngineError
		if !errors.As(err, &ee) {
			err = NewInvariantError("resolver returned an unclassified error", err).
				WithCode(ErrCodeInternal).
				WithResource(rec.ID)
			errors.As(err, &ee)
		}
		s.opts.metrics.RecordError(string(ee.Class), ee.Code)

		if !IsRetryable(err) || attempt+1 >= maxAttempts {
			r.log.Warn().Err(err).Str("resource_id", rec.ID).Int("attempts", attempt+1).Msg("failed to resolve resource")
			return nil, err
		}

		delay := s.opts.retry.calculateBackoff(attempt)
		r.log.Warn().Err(err).
			Str("resource_id", rec.ID).
			Dur("backoff", delay).
			Msgf("retrying resolution (attempt %d/%d)", attempt+2, maxAttempts)
		s.opts.emit(ctx, s.store, &Event{
			Type:       EventTypeResourceRetry,
			AttemptID:  r.req.AttemptID,
			Level:      string(stores.EventLevelWarning),
			ResourceID: rec.ID,
			Message:    err.Error(),
			Data:       map[string]interface{}{"attempt": attempt + 1},
		})
		if werr := wait(ctx, delay); werr != nil {
			return nil, cancelledError(werr)
		}
	}
}

func (s *StagingEngine) evaluatePolicy(ctx context.Context, req StageRequest, candidate resource.Record, global *resource.Table) error {
	if s.opts.policy == nil {
		return nil
	}

	input := &PolicyInput{
		Mode: string(req.Mode),
		Candidate: PolicyApp{
			AppID:     candidate.AppID,
			Version:   candidate.Version,
			Reference: req.ProfileReference,
		},
		InstalledApps: append([]string{}, req.InstalledApps...),
	}
	if installed, ok := global.Profile(); ok {
		input.Installed = &PolicyApp{
			AppID:     installed.AppID,
			Version:   installed.Version,
			Reference: profileReference(installed),
		}
	}
	if candidate.Requirements != nil {
		input.Requirements = append(input.Requirements, PolicyNeed{
			Code: candidate.Requirements.Code,
			Min:  candidate.Requirements.Min,
			Max:  candidate.Requirements.Max,
		})
	}

	err := s.opts.policy.EvaluateInstall(ctx, input)
	if err == nil {
		return nil
	}
	var polErr *PolicyError
	if errors.As(err, &polErr) {
		code := ErrCodePolicyDenied
		if polErr.HasCode("duplicate_app") {
			code = ErrCodeDuplicateApp
		}
		return NewStructuralError("install denied by policy", polErr).
			WithCode(code).
			WithResource(resource.ProfileID).
			WithOperation("evaluate_policy")
	}
	return NewEnvironmentalError("install policy evaluation failed", err).
		WithCode(ErrCodeInternal).
		WithOperation("evaluate_policy")
}

func (s *StagingEngine) checkRequirements(records []resource.Record) error {
	if s.opts.checker == nil {
		return nil
	}
	err := s.opts.checker.CheckRequirements(records)
	if err == nil {
		return nil
	}
	var reqErr *RequirementsError
	if errors.As(err, &reqErr) {
		return NewRequirementsUnmetError(reqErr)
	}
	return NewStructuralError("requirement check failed", err).WithCode(ErrCodeRequirementsUnmet)
}

// sameInstalledSet reports whether the INSTALLED records of both tables
// carry the same ids and versions, and the same digests where known.
func sameInstalledSet(a, b *resource.Table) bool {
	left, right := a.Installed(), b.Installed()
	if len(left) != len(right) {
		return false
	}
	byID := make(map[string]resource.Record, len(right))
	for _, rec := range right {
		byID[rec.ID] = rec
	}
	for _, rec := range left {
		other, ok := byID[rec.ID]
		if !ok || other.Version != rec.Version {
			return false
		}
		if rec.Digest != "" && other.Digest != "" && rec.Digest != other.Digest {
			return false
		}
	}
	return true
}

func profileReference(rec resource.Record) string {
	if rec.AuthReference != "" {
		return rec.AuthReference
	}
	if len(rec.References) > 0 {
		return rec.References[0]
	}
	return ""
}
