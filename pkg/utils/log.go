package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ghettovoice/gosip/log"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

type MyLogger struct {
	Logger *log.LogrusLogger
	level  log.Level
}

func (ml *MyLogger) Level() string {
	switch ml.level {
	case log.PanicLevel:
		return "Panic"
	case log.FatalLevel:
		return "Fatal"
	case log.ErrorLevel:
		return "Error"
	case log.WarnLevel:
		return "Warn"
	case log.InfoLevel:
		return "Info"
	case log.DebugLevel:
		return "Debug"
	case log.TraceLevel:
		return "Trace"
	}
	return "Unknown"
}

var (
	loggers         = make(map[string]*MyLogger)
	loggersMu       sync.Mutex
	DefaultLogLevel = log.InfoLevel
)

// NewLogrusLogger returns a prefixed logger. Loggers are cached per prefix so
// SetLogLevel can adjust them later.
func NewLogrusLogger(level log.Level, prefix string, fields log.Fields) log.Logger {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	if logger, found := loggers[prefix]; found {
		return logger.Logger.WithPrefix(prefix)
	}
	l := logrus.New()
	l.Level = logrus.ErrorLevel
	l.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceColors:     true,
		ForceFormatting: true,
	}
	l.SetReportCaller(true)
	logger := log.NewLogrusLogger(l, "main", fields)
	loggers[prefix] = &MyLogger{
		Logger: logger,
		level:  level,
	}
	logger.SetLevel(level)
	return logger.WithPrefix(prefix)
}

func SetLogLevel(prefix string, level log.Level) error {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	if logger, found := loggers[prefix]; found {
		logger.level = level
		logger.Logger.SetLevel(level)
		return nil
	}
	return fmt.Errorf("logger [%v] not found", prefix)
}

// SetAllLogLevel applies level to every logger created so far and to the
// ones created later.
func SetAllLogLevel(level log.Level) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	DefaultLogLevel = level
	for _, logger := range loggers {
		logger.level = level
		logger.Logger.SetLevel(level)
	}
}

func GetLoggers() map[string]*MyLogger {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	out := make(map[string]*MyLogger, len(loggers))
	for k, v := range loggers {
		out[k] = v
	}
	return out
}

// ParseLogLevel accepts logrus level names ("debug", "info", ...).
func ParseLogLevel(s string) (log.Level, error) {
	if s == "" {
		return DefaultLogLevel, nil
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(s))
	if err != nil {
		return DefaultLogLevel, err
	}
	return log.Level(lvl), nil
}
