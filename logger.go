package aserve

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/andrei-cloud/aserve/transport"
)

// Logger is the logging interface used by the server and its drivers.
type Logger = transport.Logger

// NoopLogger discards everything.
type NoopLogger = transport.NoopLogger

type zerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger adapts a zerolog.Logger to Logger.
func NewZerologLogger(l zerolog.Logger) Logger {
	return &zerologLogger{l: l}
}

func (z *zerologLogger) Print(v ...any) {
	z.l.Info().Msg(fmt.Sprint(v...))
}

func (z *zerologLogger) Printf(format string, v ...any) {
	z.l.Info().Msgf(format, v...)
}

func (z *zerologLogger) Debugf(format string, v ...any) {
	z.l.Debug().Msgf(format, v...)
}

func (z *zerologLogger) Infof(format string, v ...any) {
	z.l.Info().Msgf(format, v...)
}

func (z *zerologLogger) Warnf(format string, v ...any) {
	z.l.Warn().Msgf(format, v...)
}

func (z *zerologLogger) Errorf(format string, v ...any) {
	z.l.Error().Msgf(format, v...)
}
