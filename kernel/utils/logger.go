package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // Cyan
	slog.LevelInfo:  "\033[32m", // Green
	slog.LevelWarn:  "\033[33m", // Yellow
	slog.LevelError: "\033[31m", // Red
}

const colorReset = "\033[0m"

// LoggerConfig configures a logger instance
type LoggerConfig struct {
	Level      slog.Level
	Component  string
	Output     io.Writer
	Colorize   bool
	ShowCaller bool
	TimeFormat string
	// JSON switches to slog's JSON handler; Colorize and TimeFormat are ignored.
	JSON bool
}

// NewLogger creates a new logger with the given configuration
func NewLogger(config LoggerConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.TimeFormat == "" {
		config.TimeFormat = "15:04:05.000"
	}

	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(config.Output, &slog.HandlerOptions{
			Level:     config.Level,
			AddSource: config.ShowCaller,
		})
	} else {
		handler = &PrettyHandler{
			level:      config.Level,
			out:        config.Output,
			mu:         &sync.Mutex{},
			colorize:   config.Colorize,
			showCaller: config.ShowCaller,
			timeFormat: config.TimeFormat,
		}
	}

	logger := slog.New(handler)
	if config.Component != "" {
		logger = logger.With("component", config.Component)
	}
	return logger
}

// DefaultLogger creates a logger with sensible defaults
func DefaultLogger(component string) *slog.Logger {
	return NewLogger(LoggerConfig{
		Level:      slog.LevelInfo,
		Component:  component,
		Output:     os.Stdout,
		Colorize:   true,
		TimeFormat: "15:04:05.000",
	})
}

// ParseLevel maps a config string to a slog level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// PrettyHandler writes "[TIME] [LEVEL] [component] message key=value" lines.
type PrettyHandler struct {
	level      slog.Level
	out        io.Writer
	mu         *sync.Mutex
	colorize   bool
	showCaller bool
	timeFormat string
	component  string
	attrs      []slog.Attr
	groups     []string
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == "component" && len(h.groups) == 0 {
			clone.component = a.Value.String()
			continue
		}
		clone.attrs = append(clone.attrs, h.qualify(a))
	}
	return &clone
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var builder strings.Builder

	if h.colorize {
		builder.WriteString(levelColor(r.Level))
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	builder.WriteString("[")
	builder.WriteString(ts.Format(h.timeFormat))
	builder.WriteString("] ")

	builder.WriteString("[")
	builder.WriteString(fmt.Sprintf("%-5s", r.Level.String()))
	builder.WriteString("] ")

	if h.component != "" {
		builder.WriteString("[")
		builder.WriteString(h.component)
		builder.WriteString("] ")
	}

	builder.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&builder, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&builder, h.qualify(a))
		return true
	})

	if h.showCaller && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		builder.WriteString(fmt.Sprintf(" (%s:%d)", filepath.Base(frame.File), frame.Line))
	}

	if h.colorize {
		builder.WriteString(colorReset)
	}
	builder.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, builder.String())
	return err
}

func (h *PrettyHandler) qualify(a slog.Attr) slog.Attr {
	if len(h.groups) == 0 {
		return a
	}
	a.Key = strings.Join(h.groups, ".") + "." + a.Key
	return a
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return levelColors[slog.LevelError]
	case level >= slog.LevelWarn:
		return levelColors[slog.LevelWarn]
	case level >= slog.LevelInfo:
		return levelColors[slog.LevelInfo]
	default:
		return levelColors[slog.LevelDebug]
	}
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	b.WriteString(" ")
	b.WriteString(a.Key)
	b.WriteString("=")
	b.WriteString(formatValue(a.Value.Resolve()))
}

// formatValue formats a field value
func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return fmt.Sprintf("%q", v.String())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return fmt.Sprintf("%q", err.Error())
		}
		return fmt.Sprintf("%v", v.Any())
	default:
		return v.String()
	}
}

// Global logger used by packages that are not handed one.
var globalLogger atomic.Pointer[slog.Logger]

func init() {
	globalLogger.Store(slog.New(slog.DiscardHandler))
}

// SetLogger sets the global logger instance. Nil restores the silent default.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	globalLogger.Store(logger)
}

// Logger returns the global logger instance.
func Logger() *slog.Logger {
	return globalLogger.Load()
}
