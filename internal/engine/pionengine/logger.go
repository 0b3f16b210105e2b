package pionengine

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerFactory routes pion's internal logging into zerolog.
type loggerFactory struct {
	base zerolog.Logger
}

func newLoggerFactory() *loggerFactory {
	return &loggerFactory{base: log.With().Str("module", "engine.pion").Logger()}
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.base.With().Str("scope", scope).Logger()}
}

type leveledLogger struct {
	log zerolog.Logger
}

func (l *leveledLogger) Trace(msg string) { l.log.Trace().Msg(msg) }
func (l *leveledLogger) Tracef(format string, args ...any) {
	l.log.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Debug(msg string) { l.log.Debug().Msg(msg) }
func (l *leveledLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Info(msg string) { l.log.Info().Msg(msg) }
func (l *leveledLogger) Infof(format string, args ...any) {
	l.log.Info().Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Warn(msg string) { l.log.Warn().Msg(msg) }
func (l *leveledLogger) Warnf(format string, args ...any) {
	l.log.Warn().Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Error(msg string) { l.log.Error().Msg(msg) }
func (l *leveledLogger) Errorf(format string, args ...any) {
	l.log.Error().Msg(fmt.Sprintf(format, args...))
}

var _ logging.LoggerFactory = (*loggerFactory)(nil)
