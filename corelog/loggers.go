// Package corelog provides the leveled logging facade threaded through store, query and
// windowedquery. It mirrors the Loggers shape used throughout the reference SDK's data source and
// data store layers (a small struct with level-gated Debugf/Infof/Warnf/Errorf, and an
// IsDebugEnabled guard for call sites that build expensive debug strings), backed here by zerolog
// rather than a bespoke leveled writer.
package corelog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Loggers is a small, level-gated logging facade. The zero value has no output writer and emits
// nothing; use New or NewDefault for a logging instance.
type Loggers struct {
	logger zerolog.Logger
}

// New creates Loggers writing to w at the given minimum level.
func New(w io.Writer, level zerolog.Level) Loggers {
	return Loggers{logger: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// NewDefault creates Loggers writing to stderr at Info level.
func NewDefault() Loggers {
	return New(os.Stderr, zerolog.InfoLevel)
}

// Named returns a copy of l scoped to a component name, included on every subsequent line.
func (l Loggers) Named(component string) Loggers {
	return Loggers{logger: l.logger.With().Str("component", component).Logger()}
}

// IsDebugEnabled reports whether Debugf calls will actually be emitted, so callers can skip
// building an expensive message when they won't be.
func (l Loggers) IsDebugEnabled() bool {
	return l.logger.GetLevel() <= zerolog.DebugLevel
}

// Debugf logs at debug level.
func (l Loggers) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// Infof logs at info level.
func (l Loggers) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

// Warnf logs at warn level.
func (l Loggers) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

// Errorf logs at error level.
func (l Loggers) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}
