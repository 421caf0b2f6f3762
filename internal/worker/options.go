package worker

import "time"

const (
	DefaultTimeout              = 5 * time.Second
	DefaultPrivilegedMultiplier = 15
	DefaultCrashRestartDelay    = time.Second
	DefaultMaxCrashRestarts     = 5
	DefaultCrashWindow          = time.Minute
)

// Options tunes a Handle. Zero fields take the defaults above.
type Options struct {
	// Timeout bounds user requests and the graceful restart fallback.
	Timeout time.Duration
	// PrivilegedMultiplier scales Timeout for privileged requests, which may
	// cascade through a whole subtree.
	PrivilegedMultiplier int
	// CrashBackoff is the delay before restarting a crashed worker.
	CrashBackoff Backoff
	// MaxCrashRestarts caps crash restarts inside CrashWindow. Negative
	// means unlimited.
	MaxCrashRestarts int
	CrashWindow      time.Duration
	// KeepPendingOnExit leaves requests of an exited process to their own
	// deadlines instead of failing them at once.
	KeepPendingOnExit bool
}

func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PrivilegedMultiplier <= 0 {
		o.PrivilegedMultiplier = DefaultPrivilegedMultiplier
	}
	if o.CrashBackoff.InitialDelay <= 0 {
		o.CrashBackoff.InitialDelay = DefaultCrashRestartDelay
	}
	if o.CrashBackoff.Multiplier < 1 {
		o.CrashBackoff.Multiplier = 1
	}
	if o.MaxCrashRestarts == 0 {
		o.MaxCrashRestarts = DefaultMaxCrashRestarts
	}
	if o.CrashWindow <= 0 {
		o.CrashWindow = DefaultCrashWindow
	}
	return o
}

// PrivilegedTimeout is the deadline applied to privileged requests.
func (o Options) PrivilegedTimeout() time.Duration {
	o = o.withDefaults()
	return o.Timeout * time.Duration(o.PrivilegedMultiplier)
}
