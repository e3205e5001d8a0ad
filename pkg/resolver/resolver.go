package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/appstage/pkg/config"
	"github.com/openfroyo/appstage/pkg/engine"
	"github.com/openfroyo/appstage/pkg/resource"
	"github.com/openfroyo/appstage/pkg/stores"
)

// DefaultTimeout bounds a single fetch when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Resolver fetches manifests through scheme specific transports, validates
// them, and stores the payload bytes in the payload cache.
type Resolver struct {
	transports map[string]Transport
	cache      engine.PayloadStore
	decoder    *ManifestDecoder
	logger     zerolog.Logger
	tracer     trace.Tracer
	timeout    time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTransport registers t for scheme. The empty scheme handles bare paths.
func WithTransport(scheme string, t Transport) Option {
	return func(r *Resolver) {
		r.transports[scheme] = t
	}
}

// WithPayloadCache stores fetched payloads in cache.
func WithPayloadCache(cache engine.PayloadStore) Option {
	return func(r *Resolver) {
		r.cache = cache
	}
}

// WithSchemas validates manifests against the registry's manifest schema.
func WithSchemas(schemas *config.SchemaRegistry) Option {
	return func(r *Resolver) {
		r.decoder = NewManifestDecoder(schemas)
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithTimeout bounds each fetch.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New returns a resolver with no transports beyond those given in opts.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		transports: make(map[string]Transport),
		logger:     zerolog.Nop(),
		tracer:     otel.Tracer("github.com/openfroyo/appstage/pkg/resolver"),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.decoder == nil {
		r.decoder = NewManifestDecoder(nil)
	}
	return r
}

// NewFromConfig wires the standard transports from cfg: http, https, file,
// bare paths, asset and sftp.
func NewFromConfig(cfg *config.Config, cache *stores.PayloadCache, logger zerolog.Logger) *Resolver {
	maxSize := cfg.Resolver.MaxPayloadSize
	httpT := NewHTTPTransport(cfg.Resolver.UserAgent, maxSize)
	fileT := FileTransport{MaxSize: maxSize}

	opts := []Option{
		WithLogger(logger.With().Str("component", "resolver").Logger()),
		WithTimeout(cfg.Resolver.Timeout),
		WithTransport("http", httpT),
		WithTransport("https", httpT),
		WithTransport("file", fileT),
		WithTransport("", fileT),
		WithTransport("asset", AssetTransport{Root: cfg.AssetDir, MaxSize: maxSize}),
		WithTransport("sftp", NewSFTPTransport(cfg.SFTPBase(), logger)),
	}
	if cache != nil {
		opts = append(opts, WithPayloadCache(cache))
	}
	return New(opts...)
}

// Close releases transports holding connections.
func (r *Resolver) Close() error {
	var errs []error
	seen := make(map[Transport]bool)
	for _, t := range r.transports {
		c, ok := t.(interface{ Close() error })
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resolve implements engine.Resolver. References are tried in order; the
// first one that yields a valid manifest wins.
func (r *Resolver) Resolve(ctx context.Context, rec resource.Record) (*engine.Resolution, error) {
	ctx, span := r.tracer.Start(ctx, "resolver.resolve",
		trace.WithAttributes(
			attribute.String("resource.id", rec.ID),
			attribute.Int("resource.references", len(rec.References)),
		))
	defer span.End()

	res, err := r.resolve(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("resource.version", res.Record.Version),
		attribute.String("resource.digest", res.Record.Digest),
	)
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, rec resource.Record) (*engine.Resolution, error) {
	logger := r.logger.With().Str("resource_id", rec.ID).Logger()

	if len(rec.References) == 0 {
		return nil, engine.NewNotFoundError(rec.ID, errors.New("record has no references"))
	}

	data, ref, err := r.fetchAny(ctx, rec, logger)
	if err != nil {
		return nil, err
	}

	m, err := r.decoder.Decode(ctx, data)
	if err != nil {
		return nil, engine.NewInvalidPayloadError(rec.ID, fmt.Errorf("%s: %w", ref, err))
	}

	if rec.ID == resource.ProfileID {
		if m.AppID == "" {
			return nil, engine.NewInvalidPayloadError(rec.ID, fmt.Errorf("%s: profile has no app_id", ref))
		}
		m.ID = resource.ProfileID
		m.Kind = resource.KindProfile
	} else if m.ID != rec.ID {
		return nil, engine.NewInvalidPayloadError(rec.ID,
			fmt.Errorf("%s: manifest declares id %s", ref, m.ID))
	}

	digest, err := r.store(ctx, m, data)
	if err != nil {
		if errors.Is(err, stores.ErrStorageUnavailable) {
			return nil, engine.NewStorageUnavailableError(rec.ID, err)
		}
		return nil, engine.NewEnvironmentalError("failed to cache payload", err).
			WithCode(engine.ErrCodeStore).
			WithResource(rec.ID).
			WithOperation("cache")
	}

	logger.Debug().
		Str("reference", ref).
		Int("version", m.Version).
		Str("digest", digest).
		Int("children", len(m.Resources)).
		Msg("Resolved resource")

	return &engine.Resolution{
		Record:   m.Record(rec, digest),
		Children: m.Children(),
	}, nil
}

// fetchAny returns the first payload any reference yields. When every
// reference fails, an unreachable host outranks a missing payload so the
// attempt stays retryable.
func (r *Resolver) fetchAny(ctx context.Context, rec resource.Record, logger zerolog.Logger) ([]byte, string, error) {
	var unreachable, notFound, invalid error

	for _, ref := range rec.References {
		data, err := r.fetch(ctx, ref)
		if err == nil {
			return data, ref, nil
		}

		logger.Debug().Err(err).Str("reference", ref).Msg("Reference failed")

		switch {
		case errors.Is(err, ErrTooLarge):
			if invalid == nil {
				invalid = err
			}
		case errors.Is(err, ErrUnreachable):
			if unreachable == nil {
				unreachable = err
			}
		default:
			if notFound == nil {
				notFound = err
			}
		}
	}

	switch {
	case unreachable != nil:
		return nil, "", engine.NewUnreachableError(rec.ID, unreachable)
	case invalid != nil:
		return nil, "", engine.NewInvalidPayloadError(rec.ID, invalid)
	default:
		return nil, "", engine.NewNotFoundError(rec.ID, notFound)
	}
}

func (r *Resolver) fetch(ctx context.Context, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid reference %q: %v", ErrNotFound, ref, err)
	}

	t, ok := r.transports[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no transport for scheme %q", ErrNotFound, u.Scheme)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := t.Fetch(fetchCtx, u)
	if err != nil && fetchCtx.Err() != nil && !errors.Is(err, ErrUnreachable) {
		// A timed out fetch is a host problem whatever the transport reported.
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return data, err
}

func (r *Resolver) store(ctx context.Context, m *Manifest, data []byte) (string, error) {
	if r.cache == nil {
		return stores.Digest(data), nil
	}
	return r.cache.Put(ctx, m.ID, m.Version, data)
}
