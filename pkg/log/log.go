package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Init replaces it.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Level is a log level name as it appears in config and flags.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// ParseLevel accepts debug, info, warn or error in any case. Empty
// means info.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l == "" {
		return InfoLevel, nil
	}
	if _, ok := zerologLevels[l]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init sets the global level and rebuilds Logger. Unknown levels fall
// back to info and a nil Output means stdout.
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child of Logger tagged with component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithUserID adds the tracked user's ID.
func WithUserID(logger zerolog.Logger, userID string) zerolog.Logger {
	return logger.With().Str("user_id", userID).Logger()
}

// WithSampleID adds the location sample being processed.
func WithSampleID(logger zerolog.Logger, sampleID string) zerolog.Logger {
	return logger.With().Str("sample_id", sampleID).Logger()
}

// WithEventID adds a geofence event and the user/geofence pair it belongs to.
func WithEventID(logger zerolog.Logger, eventID, userID, geofenceCode string) zerolog.Logger {
	return logger.With().
		Str("event_id", eventID).
		Str("user_id", userID).
		Str("geofence_code", geofenceCode).
		Logger()
}
