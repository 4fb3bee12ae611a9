// Package werrs defines the abstract error kinds from spec §7 as sentinel
// values, wrapped via github.com/pkg/errors the way the teacher's go.mod
// carries that dependency. Callers compare with errors.Is against the
// sentinels below; Wrap/Wrapf attach call-site context without hiding the
// underlying kind.
package werrs

import "github.com/pkg/errors"

var (
	ErrNoMemory        = errors.New("no memory")
	ErrNoRoute         = errors.New("no route")
	ErrPeerFenced      = errors.New("peer fenced")
	ErrNoCredits       = errors.New("no credits")
	ErrTimeout         = errors.New("timeout")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrBusy            = errors.New("busy")
	ErrTxFailed        = errors.New("tx failed")
	ErrZoneNotFound    = errors.New("zone not found")
	ErrZoneExists      = errors.New("zone exists")
	ErrZoneRejected    = errors.New("zone rejected")
	ErrZoneAccessDenied = errors.New("zone access denied")
	ErrZoneInactive    = errors.New("zone inactive")
	ErrTaskRejected    = errors.New("task rejected")
	ErrTaskNotFound    = errors.New("task not found")
)

// Wrap attaches context to an error without obscuring the sentinel that
// errors.Is/errors.Cause will still find.
func Wrap(err error, msg string) error { return errors.Wrap(err, msg) }

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error { return errors.Wrapf(err, format, args...) }

// Is is a re-export of errors.Is for callers that only import werrs.
func Is(err, target error) bool { return errors.Is(err, target) }

// Cause is a re-export of pkg/errors.Cause.
func Cause(err error) error { return errors.Cause(err) }
