// Package applog builds the single *logrus.Logger the whole server threads
// through by reference — there is no package-level global logger, per
// SPEC_FULL.md's ambient logging section.
package applog

import (
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// New builds a logger: a human-readable text formatter when stderr is a
// terminal, structured JSON otherwise (container/systemd capture), at
// level per verbose.
func New(verbose bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	log.SetLevel(logrus.InfoLevel)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// Session returns a per-session *logrus.Entry tagged with a session_id
// field. Nothing in this repository calls it: sessions and the CGI
// subsystem log through the entry cmd/webserv hands them.
func Session(log *logrus.Logger, sessionID int) *logrus.Entry {
	return log.WithField("session_id", sessionID)
}
