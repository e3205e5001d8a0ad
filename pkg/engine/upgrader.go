package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/appstage/pkg/resource"
	"github.com/openfroyo/appstage/pkg/stores"
)

// Mode selects what an attempt is allowed to do.
type Mode string

const (
	// ModeUpgrade upgrades an installed application.
	ModeUpgrade Mode = "upgrade"

	// ModeInstall installs onto an empty device, discarding partial staging.
	ModeInstall Mode = "install"

	// ModeResume continues a fresh install from whatever UPGRADE holds.
	ModeResume Mode = "resume"

	// ModeApply commits a candidate left staged by an earlier attempt.
	ModeApply Mode = "apply"
)

// UpgraderConfig holds the tunables of the entry point.
type UpgraderConfig struct {
	// StartOverThreshold bounds how long partially staged state is trusted.
	StartOverThreshold time.Duration

	// AlwaysStartOver discards UPGRADE on every attempt.
	AlwaysStartOver bool

	// NewestBuild rewrites http(s) profile references to request the newest build.
	NewestBuild bool

	// ProgressInterval is the minimum spacing of progress updates.
	ProgressInterval time.Duration

	// ProgressBuffer is the capacity of the progress channel.
	ProgressBuffer int

	// InstalledApps are app ids installed in other seats on this device.
	InstalledApps []string
}

// DefaultUpgraderConfig returns the default configuration.
func DefaultUpgraderConfig() UpgraderConfig {
	return UpgraderConfig{
		StartOverThreshold: DefaultStartOverThreshold,
		ProgressInterval:   DefaultProgressInterval,
		ProgressBuffer:     defaultProgressBuffer,
	}
}

// Request is one submitted attempt.
type Request struct {
	Mode             Mode
	ProfileReference string
	ForceStartOver   bool
	Force            bool
	Sink             ProgressSink
}

// InstallOptions selects the install flavor.
type InstallOptions struct {
	// Resume keeps partially staged resources from an earlier attempt.
	Resume bool

	// Asset installs the profile bundled with the installation media.
	Asset bool

	// Sink receives progress. Defaults to the upgrader's sink.
	Sink ProgressSink
}

// Upgrader is the entry point for installs and upgrades. It runs at most
// one attempt at a time and converts every failure to an Outcome.
type Upgrader struct {
	store     stores.TableStore
	staging   *StagingEngine
	commit    *CommitCoordinator
	scheduler *Scheduler
	cfg       UpgraderConfig
	opts      options
	sink      ProgressSink
}

// NewUpgrader wires the staging engine, commit coordinator and scheduler.
func NewUpgrader(store stores.TableStore, resolver Resolver, cfg UpgraderConfig, opts ...Option) *Upgrader {
	o := newOptions(opts)
	if cfg.StartOverThreshold <= 0 {
		cfg.StartOverThreshold = DefaultStartOverThreshold
	}
	return &Upgrader{
		store:     store,
		staging:   NewStagingEngine(store, resolver, opts...),
		commit:    NewCommitCoordinator(store, opts...),
		scheduler: NewScheduler(o.logger),
		cfg:       cfg,
		opts:      o,
	}
}

// SetProgressSink sets the sink used when a request carries none.
func (u *Upgrader) SetProgressSink(sink ProgressSink) {
	u.sink = sink
}

// Scheduler returns the worker slot scheduler.
func (u *Upgrader) Scheduler() *Scheduler {
	return u.scheduler
}

// Recover runs the startup recovery check.
func (u *Upgrader) Recover(ctx context.Context) (*RecoveryReport, error) {
	return u.commit.Recover(ctx)
}

// Upgrade stages and, if newer, installs the profile at profileRef. An empty
// reference uses the stored default app server.
func (u *Upgrader) Upgrade(ctx context.Context, profileRef string, forceStartOver bool) (Outcome, error) {
	return u.run(ctx, Request{Mode: ModeUpgrade, ProfileReference: profileRef, ForceStartOver: forceStartOver})
}

// Install installs an application onto a device with an empty GLOBAL table.
func (u *Upgrader) Install(ctx context.Context, profileRef string, opts InstallOptions) (Outcome, error) {
	req := Request{Mode: ModeInstall, ProfileReference: profileRef, Sink: opts.Sink}
	if opts.Resume {
		req.Mode = ModeResume
	}
	if opts.Asset && profileRef == "" {
		req.ProfileReference = AssetProfileReference
	}
	return u.run(ctx, req)
}

// CommitStaged commits a candidate left staged by an earlier attempt. A
// candidate that is not newer than GLOBAL is refused unless force is set.
func (u *Upgrader) CommitStaged(ctx context.Context, force bool) (Outcome, error) {
	return u.run(ctx, Request{Mode: ModeApply, Force: force})
}

// Submit starts an attempt on the worker slot and returns immediately.
func (u *Upgrader) Submit(ctx context.Context, req Request) (*Task, error) {
	return u.scheduler.Submit(ctx, string(req.Mode), func(ctx context.Context, task *Task) Outcome {
		return u.execute(ctx, task.ID, req)
	})
}

func (u *Upgrader) run(ctx context.Context, req Request) (Outcome, error) {
	task, err := u.Submit(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	<-task.Done()
	out, _ := task.Outcome()
	return out, nil
}

func (u *Upgrader) execute(ctx context.Context, attemptID string, req Request) Outcome {
	ctx, span := tracer.Start(ctx, "engine.attempt", trace.WithAttributes(
		attribute.String("attempt.id", attemptID),
		attribute.String("attempt.mode", string(req.Mode)),
	))
	defer span.End()

	log := u.opts.logger.With().Str("attempt_id", attemptID).Str("mode", string(req.Mode)).Logger()
	start := time.Now()
	u.opts.metrics.RecordAttemptStarted(string(req.Mode))
	u.opts.emit(ctx, u.store, &Event{
		Type:      EventTypeAttemptStarted,
		AttemptID: attemptID,
		Message:   fmt.Sprintf("%s started", req.Mode),
		Data:      map[string]interface{}{"reference": req.ProfileReference},
	})

	sink := req.Sink
	if sink == nil {
		sink = u.sink
	}
	rep := NewProgressReporter(sink, u.cfg.ProgressInterval, u.cfg.ProgressBuffer)
	defer rep.Close()
	out := u.attempt(ctx, attemptID, req, rep, log)
	rep.Close()

	duration := time.Since(start)
	u.opts.metrics.RecordAttemptCompleted(string(req.Mode), string(out.Kind), duration)
	span.SetAttributes(attribute.String("attempt.outcome", string(out.Kind)))
	if out.Cause != nil {
		span.RecordError(out.Cause)
	}

	level := stores.EventLevelInfo
	event := log.Info()
	if !out.Succeeded() {
		level = stores.EventLevelError
		event = log.Error().AnErr("cause", out.Cause)
	}
	event.Str("outcome", out.String()).Dur("duration", duration).Msg("attempt finished")
	u.opts.emit(ctx, u.store, &Event{
		Type:      EventTypeAttemptFinished,
		AttemptID: attemptID,
		Level:     string(level),
		Message:   out.String(),
		Data:      map[string]interface{}{"outcome": string(out.Kind), "version": out.Version},
	})
	return out
}

func (u *Upgrader) attempt(ctx context.Context, attemptID string, req Request, rep Reporter, log zerolog.Logger) Outcome {
	if _, err := u.commit.Recover(ctx); err != nil {
		return OutcomeFromError(err)
	}
	if err := u.store.SetMeta(ctx, stores.MetaLastUpdateAttempt, millis(u.opts.clock())); err != nil {
		return OutcomeFromError(storeError("set_meta", err))
	}

	if req.Mode == ModeApply {
		return u.applyStaged(ctx, attemptID, req.Force, rep)
	}

	global, err := u.store.Load(ctx, resource.IdentityGlobal)
	if err != nil {
		return OutcomeFromError(storeError("load_global", err))
	}

	ref := req.ProfileReference
	switch req.Mode {
	case ModeUpgrade:
		installed, ok := global.Profile()
		if !ok || installed.Status != resource.StatusInstalled {
			return failedState("no installed application to upgrade")
		}
		if ref == "" {
			ref = u.defaultReference(ctx, installed)
		}
	case ModeInstall, ModeResume:
		if !global.IsEmpty() {
			return failedState("an application is already installed")
		}
	default:
		return failedState(fmt.Sprintf("unknown mode %q", req.Mode))
	}
	if ref == "" {
		return failedState("no profile reference")
	}

	fetchRef := ref
	if u.cfg.NewestBuild {
		fetchRef = NewestBuildReference(ref)
	}

	startOver, reason := u.shouldStartOver(ctx, req)
	if startOver {
		log.Info().Str("reason", reason).Msg("starting over")
	}

	result, err := u.staging.Stage(ctx, StageRequest{
		AttemptID:        attemptID,
		Mode:             req.Mode,
		ProfileReference: fetchRef,
		StartOver:        startOver,
		InstalledApps:    u.cfg.InstalledApps,
	}, rep)
	if err != nil {
		return OutcomeFromError(err)
	}

	out := Outcome{Version: result.Profile.Version}
	switch result.Status {
	case StageUpToDate:
		out.Kind = OutcomeUpToDate
	case StageNotNewer:
		out.Kind = OutcomeStagedNotNewer
	case StageCommittable:
		if err := u.commit.Commit(ctx, attemptID, rep); err != nil {
			failed := OutcomeFromError(err)
			failed.Version = out.Version
			return failed
		}
		out.Kind = OutcomeInstalled
		u.afterInstall(ctx, ref, result.Profile)
	default:
		return OutcomeFromError(NewInvariantError(fmt.Sprintf("unexpected stage status %q", result.Status), nil))
	}
	return out
}

func (u *Upgrader) applyStaged(ctx context.Context, attemptID string, force bool, rep Reporter) Outcome {
	upgrade, err := u.store.Load(ctx, resource.IdentityUpgrade)
	if err != nil {
		return OutcomeFromError(storeError("load_upgrade", err))
	}
	global, err := u.store.Load(ctx, resource.IdentityGlobal)
	if err != nil {
		return OutcomeFromError(storeError("load_global", err))
	}

	staged, ok := upgrade.Profile()
	if !ok || upgrade.Readiness() != resource.ReadinessUpgradeReady {
		return failedState("no complete candidate is staged")
	}
	if installed, ok := global.Profile(); ok && !staged.IsNewer(installed) && !force {
		return Outcome{Kind: OutcomeStagedNotNewer, Version: staged.Version}
	}

	if err := u.commit.Commit(ctx, attemptID, rep); err != nil {
		out := OutcomeFromError(err)
		out.Version = staged.Version
		return out
	}
	u.afterInstall(ctx, profileReference(staged), staged)
	return Outcome{Kind: OutcomeInstalled, Version: staged.Version}
}

// shouldStartOver decides whether UPGRADE is discarded before staging.
func (u *Upgrader) shouldStartOver(ctx context.Context, req Request) (bool, string) {
	switch {
	case req.ForceStartOver:
		return true, "requested"
	case req.Mode == ModeInstall:
		return true, "fresh install"
	case u.cfg.AlwaysStartOver || u.meta(ctx, stores.MetaStartOverUpgrade) == "true":
		return true, "always start over"
	}

	anchor := u.meta(ctx, stores.MetaLastInstall)
	if anchor == "" {
		anchor = u.meta(ctx, stores.MetaStagingStarted)
	}
	if isStale(anchor, u.opts.clock(), u.cfg.StartOverThreshold) {
		return true, "staged resources are stale"
	}
	return false, ""
}

func (u *Upgrader) defaultReference(ctx context.Context, installed resource.Record) string {
	if ref := u.meta(ctx, stores.MetaDefaultAppServer); ref != "" {
		return ref
	}
	return profileReference(installed)
}

func (u *Upgrader) afterInstall(ctx context.Context, ref string, profile resource.Record) {
	server := profile.AuthReference
	if server == "" {
		server = ref
	}
	for key, value := range map[string]string{
		stores.MetaLastInstall:      millis(u.opts.clock()),
		stores.MetaDefaultAppServer: server,
	} {
		if err := u.store.SetMeta(context.WithoutCancel(ctx), key, value); err != nil {
			u.opts.logger.Warn().Err(err).Str("key", key).Msg("failed to record install metadata")
		}
	}
}

func (u *Upgrader) meta(ctx context.Context, key string) string {
	value, err := u.store.GetMeta(ctx, key)
	if err != nil {
		if !errors.Is(err, stores.ErrNotFound) {
			u.opts.logger.Warn().Err(err).Str("key", key).Msg("failed to read metadata")
		}
		return ""
	}
	return value
}

func failedState(reason string) Outcome {
	return Outcome{
		Kind:  OutcomeFailedState,
		Cause: NewInvariantError(reason, nil).WithCode(ErrCodeNoProfile),
	}
}
