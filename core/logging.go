package core

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// NewLogger builds the root logger for a daemon process. Both agentd
// services tag each fiber's log lines with a structured `fiber` field
// (see fiberLog), so operators can grep one fiber across a busy
// process.
func NewLogger(level string) *log.Logger {
	l := log.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	l.SetLevel(lvl)

	return l
}

// fiberLog returns a logger scoped to a single fiber, used throughout the
// notification and protocol service cores.
func fiberLog(l *log.Logger, fiber string) *log.Entry {
	return l.WithField("fiber", fiber)
}
