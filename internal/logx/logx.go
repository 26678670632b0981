package logx

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes single-line key=value logs with a [RELAY] prefix.
type Logger struct {
	mu    sync.Mutex
	w     io.Writer
	min   Level
	color bool
	now   func() time.Time
}

func New(w io.Writer, min Level) *Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) && strings.TrimSpace(os.Getenv("NO_COLOR")) == ""
	}
	return &Logger{w: w, min: min, color: color, now: time.Now}
}

// Default logs to stdout at info level.
func Default() *Logger { return New(os.Stdout, LevelInfo) }

func (l *Logger) SetLevel(min Level) {
	l.mu.Lock()
	l.min = min
	l.mu.Unlock()
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

// Log writes a message with structured fields appended as sorted key=value pairs.
func (l *Logger) Log(level Level, msg string, fields map[string]any) {
	extra := FormatFields(fields)
	if extra != "" {
		msg = msg + " | " + extra
	}
	l.logf(level, "%s", msg)
}

func (l *Logger) logf(level Level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.min || l.w == nil {
		return
	}
	line := fmt.Sprintf(
		"[RELAY] %s | %s | %s\n",
		l.now().Format("2006/01/02 - 15:04:05"),
		l.colorizeLevel(level),
		fmt.Sprintf(format, args...),
	)
	_, _ = io.WriteString(l.w, line)
}

func (l *Logger) colorizeLevel(level Level) string {
	if !l.color {
		return level.String()
	}
	const (
		reset  = "\x1b[0m"
		red    = "\x1b[31m"
		green  = "\x1b[32m"
		yellow = "\x1b[33m"
		cyan   = "\x1b[36m"
	)
	switch level {
	case LevelDebug:
		return cyan + level.String() + reset
	case LevelWarn:
		return yellow + level.String() + reset
	case LevelError:
		return red + level.String() + reset
	default:
		return green + level.String() + reset
	}
}

func ColorizeStatus(status int, color bool) string {
	if !color {
		return strconv.Itoa(status)
	}
	const (
		reset  = "\x1b[0m"
		red    = "\x1b[31m"
		green  = "\x1b[32m"
		yellow = "\x1b[33m"
		cyan   = "\x1b[36m"
	)
	switch {
	case status >= 200 && status < 300:
		return green + strconv.Itoa(status) + reset
	case status >= 300 && status < 400:
		return cyan + strconv.Itoa(status) + reset
	case status >= 400 && status < 500:
		return yellow + strconv.Itoa(status) + reset
	default:
		return red + strconv.Itoa(status) + reset
	}
}

// FormatRequestLine prints a single line access log.
//
// Example:
// [RELAY] 2026/08/23 - 17:44:22 | 200 | 12.3ms | 127.0.0.1 | POST "/v1/messages" | request_id=...
func FormatRequestLine(
	ts time.Time,
	status int,
	latency time.Duration,
	clientIP string,
	method string,
	path string,
	fields map[string]any,
	color bool,
) string {
	base := fmt.Sprintf(
		`[RELAY] %s | %s | %s | %s | %s %q`,
		ts.Format("2006/01/02 - 15:04:05"),
		ColorizeStatus(status, color),
		latency.String(),
		strings.TrimSpace(clientIP),
		strings.TrimSpace(method),
		path,
	)
	extra := FormatFields(fields)
	if extra == "" {
		return base
	}
	return base + " | " + extra
}

// FormatFields renders fields as sorted key=value pairs, skipping empty values.
func FormatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) == "" {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s=%s", k, t))
		case float64:
			parts = append(parts, fmt.Sprintf("%s=%s", k, strconv.FormatFloat(t, 'f', -1, 64)))
		default:
			s := strings.TrimSpace(fmt.Sprintf("%v", v))
			if s == "" || s == "<nil>" {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s=%s", k, s))
		}
	}
	return strings.Join(parts, " ")
}
