package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with the fields appstage logs by: the
// component, the attempt, the resource and the table being touched.
type Logger struct {
	zlog   zerolog.Logger
	config LoggingConfig
}

type loggerContextKey struct{}

// NewLogger builds a logger writing to cfg.Output, which is "stdout",
// "stderr" or a file path opened for appending.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	out, isTerminal, err := openLogOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    !isTerminal,
		}
	}

	zctx := zerolog.New(out).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger().Level(parseLogLevel(cfg.Level))

	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog, config: cfg}, nil
}

func openLogOutput(output string) (io.Writer, bool, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, true, nil
	case "stdout":
		return os.Stdout, true, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return f, false, nil
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	default:
		return time.RFC3339
	}
}

// parseLogLevel maps a configured level to zerolog. Unknown or empty
// levels log at info.
func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace", "debug", "info", "warn", "error", "fatal":
		lvl, _ := zerolog.ParseLevel(level)
		return lvl
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) derive(zlog zerolog.Logger) *Logger {
	return &Logger{zlog: zlog, config: l.config}
}

// NewComponentLogger returns a child logger tagged with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.derive(l.zlog.With().Str("component", component).Logger())
}

// Zerolog returns the underlying logger for packages that take a
// zerolog.Logger value.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// WithContext stores the logger in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in ctx, or a plain stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(l.zlog.With().Interface(key, value).Logger())
}

func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.derive(l.zlog.With().Fields(fields).Logger())
}

func (l *Logger) WithError(err error) *Logger {
	return l.derive(l.zlog.With().Err(err).Logger())
}

// WithAttemptID tags entries with the upgrade attempt they belong to.
func (l *Logger) WithAttemptID(attemptID string) *Logger {
	return l.derive(l.zlog.With().Str("attempt_id", attemptID).Logger())
}

// WithResourceID tags entries with a resource id.
func (l *Logger) WithResourceID(resourceID string) *Logger {
	return l.derive(l.zlog.With().Str("resource_id", resourceID).Logger())
}

// WithTable tags entries with a table identity (global, upgrade, recovery).
func (l *Logger) WithTable(identity string) *Logger {
	return l.derive(l.zlog.With().Str("table", identity).Logger())
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zlog.Error().Msgf(format, args...) }
