// Package logging builds the process logger.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/warp/credit-ledger/config"
)

// NewLogger creates a JSON logger at the level given by LOG_LEVEL.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService returns an entry tagging every line with the service name.
func NewLoggerWithService(serviceName string) *logrus.Entry {
	return NewLogger().WithField("service", serviceName)
}

// NewDiscard returns a logger that drops everything, for tests.
func NewDiscard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
