// (c) Copyright Procwatch 2025

package governor

import "github.com/procwatch/go-governor/logger"

// Valid log levels to be used with (Options).LogLevel
const (
	Error = 0
	Warn  = 1
	Info  = 2
	Debug = 3
)

// LeveledLogger is an interface of a generic logger that supports leveled
// logging. It is implemented by the bundled logger package as well as by
// logrus and zap loggers.
type LeveledLogger interface {
	Debug(v ...interface{})
	Info(v ...interface{})
	Warn(v ...interface{})
	Error(v ...interface{})
}

func defaultLogger() *logger.Logger {
	return logger.New(nil)
}

// setLogLevel translates the legacy numeric log level into a logger.Level value
func setLogLevel(l *logger.Logger, level int) {
	switch level {
	case Error:
		l.SetLevel(logger.ErrorLevel)
	case Warn:
		l.SetLevel(logger.WarnLevel)
	case Info:
		l.SetLevel(logger.InfoLevel)
	case Debug:
		l.SetLevel(logger.DebugLevel)
	default:
		l.SetLevel(logger.ErrorLevel)
	}
}
