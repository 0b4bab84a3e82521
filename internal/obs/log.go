package obs

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout)
)

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Logger returns the shared structured logger used across the service.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetOutput redirects the shared logger and returns a func restoring the previous one.
func SetOutput(w io.Writer) (restore func()) {
	loggerMu.Lock()
	prev := logger
	logger = newLogger(w)
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		logger = prev
		loggerMu.Unlock()
	}
}

// Setup installs the shared logger as the slog default.
func Setup() {
	slog.SetDefault(Logger())
}
