// Package logger centralizes log configuration for gorain. Every
// long-lived component owns a named Logger instance rather than using
// the package-level default, so peer sessions, storage, and the
// engine can be told apart in mixed output.
package logger

import (
	"github.com/cenkalti/log"
)

// Logger is the interface every component logs through.
type Logger = log.Logger

// New returns a named logger, e.g. New("peer " + conn.RemoteAddr().String()).
func New(name string) Logger {
	return log.NewLogger(name)
}

// SetLevel changes the global log verbosity. Called once from the CLI
// when --debug is passed.
func SetLevel(l log.Level) {
	log.DefaultHandler.SetLevel(l)
}
