// Package log implements structured logging on top of logrus.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"firestige.xyz/tunsidecar/internal/config"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	mu      sync.RWMutex
	logger  Logger = newAdapter(defaultLogrus())
	closers []io.Closer
)

func defaultLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&formatter{
		pattern: "%time [%level] %caller: %msg %field\n",
		time:    "2006-01-02 15:04:05",
	})
	return l
}

// GetLogger returns the process logger. Before Init it logs text to stdout
// at info level.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init replaces the process logger according to cfg.
func Init(cfg config.LogConfig) error {
	l, cs, err := build(cfg)
	if err != nil {
		return err
	}

	mu.Lock()
	old := closers
	logger = newAdapter(l)
	closers = cs
	mu.Unlock()

	closeAll(old)
	return nil
}

// Flush closes outputs that buffer, such as Loki. Call it once on exit.
func Flush() {
	mu.Lock()
	cs := closers
	closers = nil
	mu.Unlock()
	closeAll(cs)
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		if err := c.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "log: close output: %v\n", err)
		}
	}
}

func build(cfg config.LogConfig) (*logrus.Logger, []io.Closer, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetReportCaller(true)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: cfg.Time})
	case "text":
		l.SetFormatter(&formatter{pattern: cfg.Pattern, time: cfg.Time})
	default:
		return nil, nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	out := NewMultiWriter().Add(os.Stdout)
	var cs []io.Closer

	if cfg.Outputs.File.Enabled {
		fw, err := createFileWriter(cfg.Outputs.File)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file output: %w", err)
		}
		out.Add(fw)
		cs = append(cs, fw)
	}

	if cfg.Outputs.Loki.Enabled {
		lw, err := createLokiWriter(cfg.Outputs.Loki)
		if err != nil {
			closeAll(cs)
			return nil, nil, fmt.Errorf("failed to create loki output: %w", err)
		}
		out.Add(lw)
		cs = append(cs, lw)
	}

	l.SetOutput(out)
	return l, cs, nil
}
