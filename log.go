package paychan

import "github.com/gcash/bchlog"

var log = bchlog.Disabled

// UseLogger sets the package-wide logger. Any calls to this function must be
// made before a client or server channel is created (it is not concurrent
// safe).
func UseLogger(logger bchlog.Logger) {
	log = logger
}
