package unittest

import (
	"bytes"
	"flag"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	verbose       = flag.Bool("vv", false, "print debugging logs")
	timestampOnce sync.Once
)

func LogVerbose() {
	*verbose = true
}

// Logger returns a zerolog
// use -vv flag to print debugging logs for tests
func Logger() zerolog.Logger {
	writer := io.Discard
	if *verbose {
		writer = os.Stderr
	}

	return LoggerWithWriterAndLevel(writer, zerolog.TraceLevel)
}

func LoggerWithWriterAndLevel(writer io.Writer, level zerolog.Level) zerolog.Logger {
	timestampOnce.Do(func() {
		zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	})
	log := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return log
}

// LoggerWithLevel returns a test logger that only prints messages at or above the given level.
func LoggerWithLevel(level zerolog.Level) zerolog.Logger {
	writer := io.Discard
	if *verbose {
		writer = os.Stderr
	}
	return LoggerWithWriterAndLevel(writer, level)
}

// LoggerHook collects the log lines written through a HookedLogger.
type LoggerHook struct {
	mu   sync.Mutex
	logs bytes.Buffer
}

func (h *LoggerHook) Run(_ *zerolog.Event, level zerolog.Level, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs.WriteString(level.String())
	h.logs.WriteString(": ")
	h.logs.WriteString(msg)
	h.logs.WriteString("\n")
}

// Logs returns every message recorded so far, one per line, prefixed with its level.
func (h *LoggerHook) Logs() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logs.String()
}

// HookedLogger returns a test logger together with a hook recording every message.
func HookedLogger() (zerolog.Logger, *LoggerHook) {
	hook := &LoggerHook{}
	log := Logger().Hook(hook)
	return log, hook
}
