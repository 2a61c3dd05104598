// Package log initializes the process-wide logrus logger used by every
// Calcifer binary.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// InitLogs configures and returns the logrus logger each cmd/* main uses for
// the lifetime of the process. Level defaults to info and can be overridden
// via the LOG_LEVEL environment variable.
func InitLogs() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})

	level := logrus.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		if parsed, err := logrus.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	logger.SetLevel(level)

	return logger
}
