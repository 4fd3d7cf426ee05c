// Package logging owns the process-wide zerolog logger. Sessions attach
// their ID through the context so every line they emit can be correlated.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

type ctxKey struct{}

var sessionKey ctxKey

// Config controls logger initialization.
type Config struct {
	Format     string // json, console or auto
	Level      string
	Component  string
	FilePath   string // empty keeps output on stderr only
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int // 0 means the default
}

var (
	mu        sync.RWMutex
	root      zerolog.Logger
	rootOut   io.Writer = os.Stderr
	component string
	logFile   io.Closer

	timeFormat = time.RFC3339
)

// Test hooks.
var (
	nowFn        = time.Now
	isTerminalFn = term.IsTerminal
)

func init() {
	root = zerolog.New(rootOut).With().Timestamp().Logger()
	log.Logger = root
}

// Init replaces the global logger. A previously opened log file is closed
// once the new writer is in place.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.SetGlobalLevel(levelOf(cfg.Level))

	out := stderrWriter(cfg.Format)
	old := logFile
	logFile = nil

	file, err := openRotatingFile(cfg)
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "logging: file output disabled: %v\n", err)
	case file != nil:
		out = io.MultiWriter(out, file)
		logFile = file
	}

	component = strings.TrimSpace(cfg.Component)
	ctx := zerolog.New(out).With().Timestamp()
	if component != "" {
		ctx = ctx.Str("component", component)
	}
	root = ctx.Logger()
	rootOut = out
	log.Logger = root

	if old != nil {
		if err := old.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logging: close previous log file: %v\n", err)
		}
	}
	return root
}

// Shutdown closes the log file, if one is open.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return
	}
	if err := logFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "logging: close log file: %v\n", err)
	}
	logFile = nil
}

// SetGlobalLevel changes the level without rebuilding the logger.
func SetGlobalLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	zerolog.SetGlobalLevel(levelOf(level))
}

// WithSessionID tags ctx with a session ID, generating one when id is blank.
func WithSessionID(ctx context.Context, id string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id = strings.TrimSpace(id); id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, sessionKey, id), id
}

// FromContext returns the global logger, with the session field when ctx has one.
func FromContext(ctx context.Context) zerolog.Logger {
	mu.RLock()
	l := root
	mu.RUnlock()

	if ctx == nil {
		return l
	}
	id, _ := ctx.Value(sessionKey).(string)
	if id == "" {
		return l
	}
	return l.With().Str("session", id).Logger()
}

// levelOf maps a config level onto zerolog. Unknown values fall back to info.
func levelOf(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return zerolog.InfoLevel
	case "warning":
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel || lvl > zerolog.Disabled {
		fmt.Fprintf(os.Stderr, "logging: unknown level %q, using info\n", s)
		return zerolog.InfoLevel
	}
	return lvl
}

func stderrWriter(format string) io.Writer {
	format = strings.ToLower(strings.TrimSpace(format))
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat}
	switch format {
	case "console":
		return console
	case "", "auto":
		if isTerminalFn(int(os.Stderr.Fd())) {
			return console
		}
	case "json":
	default:
		fmt.Fprintf(os.Stderr, "logging: unknown format %q, using json\n", format)
	}
	return os.Stderr
}
