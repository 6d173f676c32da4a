// Package logging constructs the process-wide structured logger.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/psdigitalweb/wb-automation-sub000/internal/config"
)

// New builds a *logrus.Logger per the configured level/format. It is
// constructed once in cmd/ingestd and passed down by reference; no
// package-level global logger exists anywhere in this module.
func New(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// RunFields builds the field set every run-scoped log line carries. Never
// include credential tokens, request bodies, or raw Internal Data rows here.
func RunFields(runID, projectID, sourceCode, jobCode string) logrus.Fields {
	return logrus.Fields{
		"run_id":      runID,
		"project_id":  projectID,
		"source_code": sourceCode,
		"job_code":    jobCode,
	}
}
