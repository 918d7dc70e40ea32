package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Logs go to stderr so command output on
// stdout stays machine readable.
func New(environment, level string) (zerolog.Logger, error) {
	return NewWithWriter(os.Stderr, environment, level)
}

// NewWithWriter is New with an explicit destination. The local environment
// gets the human readable console format, everything else JSON lines.
func NewWithWriter(out io.Writer, environment, level string) (zerolog.Logger, error) {
	parsedLevel, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse LOG_LEVEL=%q: %w", level, err)
	}

	writer := out
	if strings.EqualFold(strings.TrimSpace(environment), "local") {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    out != os.Stderr,
		}
	}

	return zerolog.New(writer).
		Level(parsedLevel).
		With().
		Timestamp().
		Str("service", "geostory").
		Logger(), nil
}

// Component returns a child logger tagged with the owning component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
