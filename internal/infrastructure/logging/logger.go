package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-accessory-bridge/internal/infrastructure/config"
)

// ServiceName is attached to every log entry as the "service" attribute.
const ServiceName = "accessorybridge"

// level is the process-wide level shared by every Logger built by New.
//
// It is the single piece of global logging state: toggling debug output
// through SetDebugEnabled affects all loggers at once without rebuilding them.
var (
	level     = new(slog.LevelVar)
	levelMu   sync.Mutex
	baseLevel = slog.LevelInfo
	debugOn   bool
)

// Logger wraps slog.Logger with accessory-bridge defaults.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the specified configuration.
//
// It configures:
//   - Output format (JSON for production, text for development)
//   - The shared level variable (see SetDebugEnabled)
//   - Default fields (service name, version)
//
// Parameters:
//   - cfg: Logging configuration from config.yaml
//   - version: Application version for default field
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return NewWithWriter(cfg, version, output)
}

// NewWithWriter is New with an explicit destination, used by tests and
// by callers that capture log output.
func NewWithWriter(cfg config.LoggingConfig, version string, output io.Writer) *Logger {
	setBaseLevel(parseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})

	return &Logger{
		Logger: slog.New(handler),
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setBaseLevel(l slog.Level) {
	levelMu.Lock()
	defer levelMu.Unlock()
	baseLevel = l
	if !debugOn {
		level.Set(l)
	}
}

// SetDebugEnabled switches verbose diagnostic output on or off for every
// Logger in the process.
//
// Enabling forces the level to debug. Disabling restores the level loaded
// from configuration. Only log volume changes; no component alters its
// behaviour based on this flag.
func SetDebugEnabled(enabled bool) {
	levelMu.Lock()
	defer levelMu.Unlock()
	debugOn = enabled
	if enabled {
		level.Set(slog.LevelDebug)
		return
	}
	level.Set(baseLevel)
}

// DebugEnabled reports whether SetDebugEnabled(true) is in effect.
func DebugEnabled() bool {
	levelMu.Lock()
	defer levelMu.Unlock()
	return debugOn
}

// Level returns the currently effective level.
func Level() slog.Level {
	return level.Level()
}

// With returns a new Logger with additional default attributes.
//
// Example:
//
//	mqttLogger := logger.With("component", "mqtt")
//	mqttLogger.Info("connected") // Includes component=mqtt
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in JSON format at info level.
// It should only be used during early startup before config is available.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}
