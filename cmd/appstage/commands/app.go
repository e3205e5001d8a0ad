package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/appstage/pkg/config"
	"github.com/openfroyo/appstage/pkg/engine"
	"github.com/openfroyo/appstage/pkg/policy"
	"github.com/openfroyo/appstage/pkg/resolver"
	"github.com/openfroyo/appstage/pkg/stores"
	"github.com/openfroyo/appstage/pkg/telemetry"
)

const defaultMetricsAddress = ":9090"

// app holds everything a command needs. It is built once per invocation
// and closed when the command returns.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    *stores.SQLiteStore
	cache    *stores.PayloadCache
	resolver *resolver.Resolver
	policy   *policy.Engine
	upgrader *engine.Upgrader
	recovery *engine.RecoveryReport
}

// appOptions tweaks wiring for a single command.
type appOptions struct {
	// serveMetrics enables metrics even when the config leaves them off.
	serveMetrics bool

	// metricsAddress overrides the configured metrics address.
	metricsAddress string
}

// openApp loads configuration, opens the stores and wires the upgrader.
// The startup recovery check runs before openApp returns.
func openApp(ctx context.Context, opts appOptions) (a *app, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}

	tc := cfg.TelemetryConfig(buildVersion)
	if opts.serveMetrics {
		tc.Metrics.Enabled = true
		switch {
		case opts.metricsAddress != "":
			tc.Metrics.ListenAddress = opts.metricsAddress
		case tc.Metrics.ListenAddress == "":
			tc.Metrics.ListenAddress = defaultMetricsAddress
		}
	}
	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	tel.Events.Subscribe(telemetry.LogSubscriber(tel.Logger.NewComponentLogger("events")), nil)

	a = &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("cli").Zerolog(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	store, err := stores.NewSQLiteStore(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	a.store = store
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	cacheLogger := tel.Logger.Zerolog()
	cc := cfg.PayloadCacheConfig()
	cc.Logger = &cacheLogger
	cache, err := stores.OpenPayloadCache(cc)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload cache: %w", err)
	}
	a.cache = cache

	a.resolver = resolver.NewFromConfig(cfg, cache, tel.Logger.Zerolog())

	checker, err := resolver.NewCompatibilityChecker(cfg.PlatformVersion)
	if err != nil {
		return nil, err
	}

	engineOpts := append(tel.EngineOptions(),
		engine.WithCompatibilityChecker(checker),
		engine.WithRetryPolicy(cfg.RetryPolicy()),
		engine.WithPayloadStore(cache),
	)

	if cfg.Policy.Enabled {
		pol, err := a.openPolicy(ctx)
		if err != nil {
			return nil, err
		}
		a.policy = pol
		engineOpts = append(engineOpts, engine.WithInstallPolicy(pol))
	}

	a.upgrader = engine.NewUpgrader(store, a.resolver, cfg.UpgraderConfig(), engineOpts...)

	report, err := a.upgrader.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery check failed: %w", err)
	}
	a.recovery = report
	if report.Action != engine.RecoveryNone {
		a.logger.Warn().
			Str("action", string(report.Action)).
			Int("restored", report.Restored).
			Str("reason", report.Reason).
			Msg("Recovered from an interrupted commit")
	}

	return a, nil
}

// openPolicy builds the install policy from the built-in rules and any
// files in the policy directory.
func (a *app) openPolicy(ctx context.Context) (*policy.Engine, error) {
	pol, err := policy.NewEngine(a.tel.Logger.Zerolog())
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}

	dir := a.cfg.Policy.Dir
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		a.logger.Debug().Str("dir", dir).Msg("No policy directory, using built-in policies")
		return pol, nil
	}
	if err := pol.LoadPolicies(ctx, []string{dir}); err != nil {
		_ = pol.Close()
		return nil, err
	}
	if a.cfg.Policy.Watch {
		if err := pol.Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to watch policy directory")
		}
	}
	return pol, nil
}

// runAttempt runs fn inside a traced command operation and reports the
// outcome on w.
func (a *app) runAttempt(ctx context.Context, w io.Writer, command string, fn func(context.Context) (engine.Outcome, error)) (err error) {
	ic := telemetry.StartOperation(a.tel.WithContext(ctx), command, telemetry.AttrCommand.String(command))
	defer func() { ic.End(err) }()

	out, err := fn(ic.Ctx)
	if err != nil {
		return err
	}
	ic.Logger.Debugf("%s finished with %s in %s", command, out.Kind, ic.Timer.Duration())
	return reportOutcome(w, out)
}

// Close releases everything openApp acquired, in reverse order.
func (a *app) Close() {
	if a.policy != nil {
		_ = a.policy.Close()
	}
	if a.resolver != nil {
		if err := a.resolver.Close(); err != nil {
			a.logger.Debug().Err(err).Msg("Failed to close resolver")
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close payload cache")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if err := a.tel.Shutdown(context.Background()); err != nil {
		log.Debug().Err(err).Msg("Telemetry shutdown failed")
	}
}
