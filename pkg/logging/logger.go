// Package logging provides the shared logger for rollcall.
// Every component logs through an entry carrying a "component" field so a
// station's log can be filtered per subsystem.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Logger is the application-wide logger instance.
var Logger = newLogger()

// Fields is an alias for logrus.Fields.
type Fields = logrus.Fields

var (
	fileMu sync.Mutex
	file   *os.File
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(textFormatter(os.Stderr))
	return l
}

func textFormatter(out *os.File) *logrus.TextFormatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   !isatty.IsTerminal(out.Fd()),
	}
}

// Init sets the level, the format ("text" or "json") and an optional log file.
// Output always goes to stderr; with a file it is duplicated there as well.
// Calling Init again replaces the previous file.
func Init(level, format, logFile string) error {
	Logger.SetLevel(ParseLevel(level))

	if strings.EqualFold(format, "json") {
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		Logger.SetFormatter(textFormatter(os.Stderr))
	}

	fileMu.Lock()
	defer fileMu.Unlock()
	closeFile()

	if logFile == "" {
		Logger.SetOutput(os.Stderr)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		Logger.SetOutput(os.Stderr)
		return err
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		Logger.SetOutput(os.Stderr)
		return err
	}
	file = f
	Logger.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

// Close detaches and closes the log file opened by Init.
func Close() {
	fileMu.Lock()
	defer fileMu.Unlock()
	closeFile()
	Logger.SetOutput(os.Stderr)
}

func closeFile() {
	if file != nil {
		_ = file.Close()
		file = nil
	}
}

// ParseLevel maps a config level name to a logrus level; unknown names mean info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// WithError returns an entry with an error attached.
func WithError(err error) *logrus.Entry {
	return Logger.WithError(err)
}

// Component returns a logger entry for a specific component.
func Component(name string) *logrus.Entry {
	return Logger.WithField("component", name)
}

// Session returns the entry used for everything logged during one session run.
func Session(sessionID int64, runID string) *logrus.Entry {
	return Component("session").WithFields(Fields{
		"session_id": sessionID,
		"run_id":     runID,
	})
}
