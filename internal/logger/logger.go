package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLevel = slog.LevelInfo
	levelMu     sync.RWMutex
)

// JSONParsingWriter rewrites the JSON lines sipgo emits through zerolog into
// the same one-line format as our own records. Anything else passes through.
type JSONParsingWriter struct {
	base io.Writer
}

func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	if !strings.HasPrefix(strings.TrimSpace(string(p)), "{") {
		return w.base.Write(p)
	}
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.base.Write(p)
	}

	level := "info"
	if lv, ok := entry["level"]; ok {
		level = fmt.Sprint(lv)
	}
	message := "unknown"
	if msg, ok := entry["message"]; ok {
		message = fmt.Sprint(msg)
	}
	timestamp := time.Now().Format("15:04:05")
	if t, ok := entry["time"]; ok {
		if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
			timestamp = ts.Format("15:04:05")
		}
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "message", "time", "caller":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, entry[k]))
	}

	line := format(timestamp, strings.ToUpper(level), "[SIP] "+message, attrs)
	if _, err := io.WriteString(w.base, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

func format(timestamp, level, message string, attrs []string) string {
	if len(attrs) > 0 {
		message += " " + strings.Join(attrs, " ")
	}
	return "[" + timestamp + "] [" + level + "] " + message + "\n"
}

// SetLevel sets the global log level for slog and the SIP library.
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	levelMu.Lock()
	globalLevel = level
	levelMu.Unlock()
	zerolog.SetGlobalLevel(zerologLevel(level))
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	levelMu.RLock()
	defer levelMu.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

func currentLevel() slog.Level {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return globalLevel
}

// ParseLevel parses a string to an slog level. Unknown strings mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func zerologLevel(l slog.Level) zerolog.Level {
	switch {
	case l <= slog.LevelDebug:
		return zerolog.DebugLevel
	case l <= slog.LevelInfo:
		return zerolog.InfoLevel
	case l <= slog.LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// output is one destination with its own minimum level.
type output struct {
	w     io.Writer
	level slog.Level
}

// handler writes "[15:04:05] [LEVEL] msg k=v" lines to every output whose
// level admits the record, after the global level has.
type handler struct {
	mu    *sync.Mutex
	outs  []output
	attrs []string
	group string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	if level < currentLevel() {
		return false
	}
	for _, o := range h.outs {
		if level >= o.level {
			return true
		}
	}
	return false
}

func (h *handler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < currentLevel() {
		return nil
	}
	attrs := append([]string(nil), h.attrs...)
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.key(a.Key)+"="+a.Value.String())
		return true
	})
	line := format(record.Time.Format("15:04:05"), strings.ToUpper(record.Level.String()), record.Message, attrs)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range h.outs {
		if record.Level >= o.level && o.w != nil {
			_, _ = io.WriteString(o.w, line)
		}
	}
	return nil
}

func (h *handler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.key(a.Key)+"="+a.Value.String())
	}
	return &next
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = h.key(name)
	return &next
}

// InitLogger installs the default logger writing to outputs at the global
// level, and routes the SIP library's zerolog output through the same writers.
func InitLogger(outputs ...io.Writer) {
	levels := make(map[io.Writer]slog.Level, len(outputs))
	for _, out := range outputs {
		levels[out] = slog.LevelDebug
	}
	InitLoggerWithLevels(levels)
}

// InitLoggerWithLevels is InitLogger with a minimum level per output, e.g. a
// debug log file next to an info console.
func InitLoggerWithLevels(outputs map[io.Writer]slog.Level) {
	h := &handler{mu: &sync.Mutex{}}
	var sipOuts []io.Writer
	for w, lvl := range outputs {
		h.outs = append(h.outs, output{w: w, level: lvl})
		sipOuts = append(sipOuts, &JSONParsingWriter{base: w})
	}
	slog.SetDefault(slog.New(h))

	zlog.Logger = zerolog.New(io.MultiWriter(sipOuts...)).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerologLevel(currentLevel()))
}

// NewFileWriter returns a size-rotated log file.
func NewFileWriter(path string, maxSizeMB, maxBackups int) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}, nil
}
