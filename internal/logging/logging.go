// Package logging provides the gateway's structured, component-tagged
// logger, generalizing the teacher's log.Printf + ANSI tag() convention
// (see alibo-simple-mqtt-network-lab/go-backend/main.go) into a leveled
// zerolog logger with one sub-logger per component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Components mirrors the teacher's bracketed tags ([connect], [publish],
// [stats], ...) as a set of named sub-loggers instead.
const (
	CompConn    = "conn"
	CompPoll    = "poll"
	CompBridge  = "bridge"
	CompAlert   = "alert"
	CompStore   = "rbs"
	CompBatch   = "batch"
	CompSim     = "simulator"
	CompSubst   = "subst"
	CompGateway = "gateway"
)

// Logger is the root logger; Get returns a component-tagged child.
type Logger struct {
	base zerolog.Logger
}

// New builds a Logger writing to w. When pretty is true (interactive dev
// use, mirroring the teacher's colorized console tags), output uses
// zerolog's ConsoleWriter; otherwise it's newline-delimited JSON suited to
// log shipping (out of scope collaborator, named at this io.Writer seam).
func New(w io.Writer, debug bool, pretty bool) *Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	base := zerolog.New(w).With().Timestamp().Logger().Level(level)
	return &Logger{base: base}
}

// Default builds a Logger on os.Stdout with pretty (console) output.
func Default(debug bool) *Logger {
	return New(os.Stdout, debug, true)
}

// Get returns the sub-logger tagged with the given component name.
func (l *Logger) Get(component string) zerolog.Logger {
	return l.base.With().Str("component", component).Logger()
}
