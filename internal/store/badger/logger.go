package badger

import (
	"strings"

	"github.com/rs/zerolog"
)

// badgerLogger routes badger's internal logging into zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func newBadgerLogger(l *zerolog.Logger) *badgerLogger {
	if l == nil {
		nop := zerolog.Nop()
		l = &nop
	}
	return &badgerLogger{log: l.With().Str("component", "badger").Logger()}
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (b *badgerLogger) Infof(format string, args ...interface{}) {
	b.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {
	b.log.Trace().Msgf(strings.TrimSpace(format), args...)
}
