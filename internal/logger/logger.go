// Package logger implements the leveled, per-component logger described in
// spec §4.8: level resolution from an env var, a constructor-supplied
// default, and a process-wide default, backed by either a console
// destination (debug/info to stdout, warn/error to stderr) or a file
// destination (buffered, flushed on an external periodic call).
package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	logging "gopkg.in/op/go-logging.v1"
)

// Level is the core's own level vocabulary (spec §4.8: debug < info < warn <
// error < silent), kept distinct from logging.Level so callers never need to
// know the backend library's naming.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
	Silent
)

// ParseLevel parses one of "debug", "info", "warn", "error", "silent"
// case-insensitively. An unrecognized string yields (Warn, false).
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, true
	case "info":
		return Info, true
	case "warn", "warning":
		return Warn, true
	case "error":
		return Error, true
	case "silent":
		return Silent, true
	default:
		return Warn, false
	}
}

func (l Level) goLevel() logging.Level {
	switch l {
	case Debug:
		return logging.DEBUG
	case Info:
		return logging.INFO
	case Warn:
		return logging.WARNING
	case Error:
		return logging.ERROR
	default: // Silent
		return logging.CRITICAL + 1 // above every real level: nothing logs
	}
}

// Destination selects where a Logger's records ultimately land.
type Destination int

const (
	Console Destination = iota
	File
)

// ParseDestination parses "console" or "file"; anything else is Console.
func ParseDestination(s string) Destination {
	if strings.EqualFold(strings.TrimSpace(s), "file") {
		return File
	}
	return Console
}

var (
	initOnce  sync.Once
	leveled   logging.LeveledBackend
	fileMu    sync.Mutex
	fileBufs  = map[string]*bytes.Buffer{}
	fileWr    io.Writer // shared backend writer when in File mode
	globalDir = "logs"
)

func ensureBackend(dest Destination, dir string) {
	initOnce.Do(func() {
		var backend logging.Backend
		switch dest {
		case File:
			globalDir = dir
			backend = newSplitBackend(&fileAppender{}, &fileAppender{})
		default:
			useColor := isatty.IsTerminal(os.Stdout.Fd())
			stdout := io.Writer(os.Stdout)
			stderr := io.Writer(os.Stderr)
			if useColor {
				stdout = colorable.NewColorableStdout()
				stderr = colorable.NewColorableStderr()
			}
			backend = newSplitBackend(stdout, stderr)
		}
		leveled = logging.AddModuleLevel(backend)
		logging.SetBackend(leveled)
	})
}

// Logger is a single component's handle into the process-wide leveled
// backend. It never itself formats text — that's the backend's job — it
// only resolves and holds this component's effective level.
type Logger struct {
	component string
	level     Level
	inner     *logging.Logger
}

// New resolves the component's effective level (env var > constructorLevel >
// defaultLevel > Warn) per spec §4.8 and returns a ready Logger. dest/dir are
// process-wide and only take effect on the very first call (the backend is a
// process singleton, matching the spec's "process-wide" logging sink).
// constructorLevel is optional (nil means "not supplied by the caller").
func New(component string, constructorLevel *Level, defaultLevel Level, dest Destination, dir string) *Logger {
	ensureBackend(dest, dir)

	level := defaultLevel
	if constructorLevel != nil {
		level = *constructorLevel
	}
	envKey := strings.ToUpper(component) + "_LOG_LEVEL"
	if v, ok := os.LookupEnv(envKey); ok {
		if parsed, ok := ParseLevel(v); ok {
			level = parsed
		}
	}

	leveled.SetLevel(level.goLevel(), component)

	return &Logger{
		component: component,
		level:     level,
		inner:     logging.MustGetLogger(component),
	}
}

func (l *Logger) Level() Level { return l.level }

func (l *Logger) Debugf(format string, args ...interface{}) { l.inner.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.inner.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.inner.Warningf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.inner.Errorf(format, args...) }

func (l *Logger) Debug(args ...interface{}) { l.inner.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.inner.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.inner.Warning(args...) }
func (l *Logger) Error(args ...interface{}) { l.inner.Error(args...) }

// Flush writes every component's buffered file records to disk. Callers
// arrange for this to run periodically (e.g. from the scheduler); it is a
// no-op in Console mode.
func Flush() error {
	fileMu.Lock()
	defer fileMu.Unlock()
	if len(fileBufs) == 0 {
		return nil
	}
	if err := os.MkdirAll(globalDir, 0o755); err != nil {
		return fmt.Errorf("logger: flush: mkdir %s: %w", globalDir, err)
	}
	for component, buf := range fileBufs {
		if buf.Len() == 0 {
			continue
		}
		path := filepath.Join(globalDir, component+".log")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("logger: flush: open %s: %w", path, err)
		}
		_, werr := f.Write(buf.Bytes())
		cerr := f.Close()
		buf.Reset()
		if werr != nil {
			return fmt.Errorf("logger: flush: write %s: %w", path, werr)
		}
		if cerr != nil {
			return fmt.Errorf("logger: flush: close %s: %w", path, cerr)
		}
	}
	return nil
}

// fileAppender appends into an in-memory per-component buffer via writeFor;
// Flush drains it to disk. It is not an io.Writer: the component is
// recovered from the go-logging Record by the splitBackend, which passes it
// to writeFor, so this type is only ever used indirectly — see
// splitBackend.Log.
type fileAppender struct{}

func (fileAppender) writeFor(component string, p []byte) {
	fileMu.Lock()
	defer fileMu.Unlock()
	buf, ok := fileBufs[component]
	if !ok {
		buf = &bytes.Buffer{}
		fileBufs[component] = buf
	}
	buf.Write(p)
}
