package debugsession

import (
	"github.com/pkg/errors"

	"github.com/grafana/gpudebug/pkg/sip"
)

var (
	// ErrNotAvailable is returned when the addressed threads are not in a
	// state the operation needs, for example resuming threads that run.
	ErrNotAvailable = errors.New("not available")
	// ErrNotReady is returned for duplicate interrupt requests and when no
	// event arrived before the timeout.
	ErrNotReady = errors.New("not ready")
	// ErrUnknown wraps GPU memory access and firmware protocol failures.
	ErrUnknown = errors.New("unknown error")
	// ErrInvalidArgument is returned for malformed selectors and register
	// ranges.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDependencyUnavailable is returned when the SIP state save area is
	// missing or was written by an incompatible firmware.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// errThreadsRunning means none of the threads selected on a tile was
	// stopped and reported.
	errThreadsRunning = errors.New("threads running")
)

// headerError maps a state save area decode failure onto the session error
// taxonomy.
func headerError(err error) error {
	switch {
	case errors.Is(err, sip.ErrBadMagic):
		return errors.Wrap(ErrDependencyUnavailable, err.Error())
	default:
		return errors.Wrap(ErrUnknown, err.Error())
	}
}

// fatalHeaderError reports whether err will not go away by fetching the
// header again.
func fatalHeaderError(err error) bool {
	return errors.Is(err, sip.ErrBadMagic) || errors.Is(err, sip.ErrUnsupportedVersion)
}
