package observability

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts a zerolog.Logger to the engine Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger builds a structured logger writing to w at the given level.
// Unknown level strings fall back to info.
func NewZerologLogger(w io.Writer, level string) *ZerologLogger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	logger := zerolog.New(w).Level(parsed).With().Timestamp().Logger()
	return &ZerologLogger{log: logger}
}

// With returns a child logger carrying the given component field.
func (l *ZerologLogger) With(component string) *ZerologLogger {
	return &ZerologLogger{log: l.log.With().Str("component", component).Logger()}
}

func (l *ZerologLogger) Debug(msg string, fields ...Field) {
	l.emit(l.log.Debug(), msg, fields)
}

func (l *ZerologLogger) Info(msg string, fields ...Field) {
	l.emit(l.log.Info(), msg, fields)
}

func (l *ZerologLogger) Warn(msg string, fields ...Field) {
	l.emit(l.log.Warn(), msg, fields)
}

func (l *ZerologLogger) Error(msg string, fields ...Field) {
	l.emit(l.log.Error(), msg, fields)
}

func (l *ZerologLogger) emit(evt *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		evt = evt.Interface(f.Key, f.Value)
	}
	evt.Msg(msg)
}
