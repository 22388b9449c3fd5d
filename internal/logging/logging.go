package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	logFile *os.File
	mu      sync.Mutex
)

// Options controls the process-wide logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Path   string // optional file, written alongside stdout
}

// Init configures the logrus standard logger. Call it once after config.Load().
func Init(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logrus.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", opts.Format)
	}

	if opts.Path == "" {
		logrus.SetOutput(os.Stdout)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", opts.Path, err)
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	logrus.SetOutput(io.MultiWriter(os.Stdout, logFile))
	logrus.WithField("path", opts.Path).Info("Logging to file")
	return nil
}

// Close releases the log file, if one was opened.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	logrus.SetOutput(os.Stdout)
	return err
}

// Component returns a logger tagged with the given component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}

// SanitizeForLog removes newlines and control characters from client-provided
// strings so they cannot forge extra log entries.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
