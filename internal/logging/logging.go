// Package logging provides the level-filtered logger shared by every
// component of the node, following the same logutils-over-stdlib-log
// wrapping the agent itself uses.
package logging

import (
	"io"
	"log"
	"os"

	gsyslog "github.com/hashicorp/go-syslog"
	"github.com/hashicorp/logutils"
)

// Levels are ordered least to most severe, matching the filter the rest
// of the module passes to New.
var Levels = []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERR"}

// New builds a *log.Logger whose output is filtered to minLevel and
// above. Messages must be prefixed "[DEBUG] ", "[INFO] ", "[WARN] " or
// "[ERR] " to be classified; unprefixed messages always pass through.
func New(w io.Writer, minLevel logutils.LogLevel) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	filter := &logutils.LevelFilter{
		Levels:   Levels,
		MinLevel: minLevel,
		Writer:   w,
	}
	return log.New(filter, "", log.LstdFlags)
}

// Default returns a logger writing INFO and above to stderr, the level
// every actor falls back to when no *log.Logger is supplied explicitly.
func Default() *log.Logger {
	return New(os.Stderr, "INFO")
}

// SyslogWriter opens a local syslog sink. solard does not call it; it
// only logs to stderr. Returns nil, err if the platform has no syslog.
func SyslogWriter(tag string) (io.Writer, error) {
	return gsyslog.NewLogger(gsyslog.LOG_NOTICE, "DAEMON", tag)
}
