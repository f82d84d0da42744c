package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Field is a structured key/value attached to a log line.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logger is the logging surface the rest of the module depends on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

type ZeroLogger struct {
	logger zerolog.Logger
}

func New(env string) *ZeroLogger {
	return NewWithWriter(env, os.Stdout)
}

func NewWithWriter(env string, w io.Writer) *ZeroLogger {
	logger := zerolog.New(w).With().Timestamp().Logger()

	switch env {
	case "production":
		logger = logger.Level(zerolog.InfoLevel)
	default:
		logger = logger.Level(zerolog.DebugLevel)
	}

	return &ZeroLogger{logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *ZeroLogger {
	return &ZeroLogger{logger: zerolog.Nop()}
}

// helper to convert our abstraction []Field -> zerolog fields
func convert(fields []Field) []any {
	items := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		items = append(items, f.Key, f.Value)
	}
	return items
}

func (l *ZeroLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug().Fields(convert(fields)).Msg(msg)
}

func (l *ZeroLogger) Info(msg string, fields ...Field) {
	l.logger.Info().Fields(convert(fields)).Msg(msg)
}

func (l *ZeroLogger) Warn(msg string, fields ...Field) {
	l.logger.Warn().Fields(convert(fields)).Msg(msg)
}

func (l *ZeroLogger) Error(msg string, fields ...Field) {
	l.logger.Error().Fields(convert(fields)).Msg(msg)
}

func (l *ZeroLogger) With(fields ...Field) Logger {
	return &ZeroLogger{logger: l.logger.With().Fields(convert(fields)).Logger()}
}
