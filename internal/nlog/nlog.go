// Package nlog is a thin structured-logging shim, mirroring aistore's own
// cmn/nlog: no third-party logging dependency, just a small wrapper that
// gives every subsystem a consistent Infof/Warningf/Errorln surface over
// log/slog so call sites read the same regardless of which sink is wired in.
package nlog

import (
	"log/slog"
	"os"
)

var def = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{}))

// SetHandler replaces the default handler, e.g. to redirect to a ring
// buffer for the Qt log viewer tool (out of core scope, but the hook
// exists so an external collaborator can attach one).
func SetHandler(h slog.Handler) { def = slog.New(h) }

func Infof(format string, args ...any)    { def.Info(sprintf(format, args...)) }
func Infoln(args ...any)                  { def.Info(sprintln(args...)) }
func Warningf(format string, args ...any) { def.Warn(sprintf(format, args...)) }
func Warningln(args ...any)               { def.Warn(sprintln(args...)) }
func Errorf(format string, args ...any)   { def.Error(sprintf(format, args...)) }
func Errorln(args ...any)                 { def.Error(sprintln(args...)) }
