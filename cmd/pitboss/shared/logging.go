package shared

import (
	"os"
	"time"

	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
)

// SetupLogger configures zerolog with pretty console output. Colour is
// dropped when stderr is not a terminal or NO_COLOR is set.
func SetupLogger(debug bool) zerolog.Logger {
	noColor := termenv.NewOutput(os.Stderr).EnvColorProfile() == termenv.Ascii

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: noColor}).
		Level(level(debug)).
		With().
		Timestamp().
		Logger()
}

// SetupStructuredLogger configures zerolog for structured (JSON) output
func SetupStructuredLogger(debug bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(os.Stderr).
		Level(level(debug)).
		With().
		Timestamp().
		Logger()
}

// NewLogger picks the console or JSON logger.
func NewLogger(debug, structured bool) zerolog.Logger {
	if structured {
		return SetupStructuredLogger(debug)
	}
	return SetupLogger(debug)
}

func level(debug bool) zerolog.Level {
	if debug {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}
