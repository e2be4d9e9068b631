package logs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"auto_ibkr_go/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// sessionHook mirrors every console entry into the rotated session log as one
// JSON object per line, so fields such as symbol, run_id, state and check can
// be filtered after the trading day.
type sessionHook struct {
	mu        sync.Mutex
	formatter logrus.Formatter
	out       *lumberjack.Logger
}

func (h *sessionHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *sessionHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.out == nil {
		return nil
	}
	_, err = h.out.Write(line)
	return err
}

func (h *sessionHook) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.out == nil {
		return nil
	}
	err := h.out.Close()
	h.out = nil
	return err
}

var (
	log     = newConsoleLogger(logrus.InfoLevel)
	session *sessionHook
)

func newConsoleLogger(level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		ForceColors:            true,
		FullTimestamp:          true,
		TimestampFormat:        "2006-01-02 15:04:05",
		DisableLevelTruncation: true,
		PadLevelText:           true,
	})
	l.SetOutput(os.Stdout)
	return l
}

// Init replaces the default console logger with one at cfg's level and adds
// the rotated session log at logFilePath.
func Init(cfg *config.LogConfig, logFilePath string) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	// Stray logrus.Info() calls from dependencies stay quiet.
	logrus.SetOutput(io.Discard)
	logrus.StandardLogger().Hooks = make(logrus.LevelHooks)

	session = &sessionHook{
		formatter: &logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"},
		out: &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}
	log = newConsoleLogger(level)
	log.AddHook(session)

	Infof("Logging system initialized, writing to %s", logFilePath)
	return nil
}

// Close flushes and closes the session log. Later entries go to the console only.
func Close() {
	Info("Logging system closed.")
	if session != nil {
		if err := session.close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close session log: %v\n", err)
		}
	}
}

// SetOutput redirects console output; tests use it to capture log lines.
func SetOutput(w io.Writer) { log.SetOutput(w) }

// WithFields returns an entry carrying structured context such as symbol or state.
func WithFields(fields logrus.Fields) *logrus.Entry { return log.WithFields(fields) }

func Debug(args ...interface{})                 { log.Debug(args...) }
func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Info(args ...interface{})                  { log.Info(args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warn(args ...interface{})                  { log.Warn(args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func Error(args ...interface{})                 { log.Error(args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
func Fatal(args ...interface{})                 { log.Fatal(args...) }
func Fatalf(format string, args ...interface{}) { log.Fatalf(format, args...) }
