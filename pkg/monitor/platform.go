package monitor

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// Platform abstracts the OS memory-pressure and lifecycle primitives. Each Subscribe call delivers signals to
// `sink` until `ctx` is done. Implementations return errors.ErrUnsupported (possibly wrapped) when the primitive
// doesn't exist on the running platform.
type Platform interface {
	SubscribePressure(ctx context.Context, sink func(Signal)) error
	SubscribeLifecycle(ctx context.Context, sink func(Signal)) error
}

// NopPlatform has no primitives at all. Signals can still be injected through the Monitor.Handle* methods.
type NopPlatform struct{}

var _ Platform = NopPlatform{}

func (NopPlatform) SubscribePressure(context.Context, func(Signal)) error  { return errors.ErrUnsupported }
func (NopPlatform) SubscribeLifecycle(context.Context, func(Signal)) error { return errors.ErrUnsupported }

// SystemOptions tune the OS-backed Platform.
type SystemOptions struct {
	PollInterval       time.Duration // How often free memory is sampled.
	WarningRatio       float64       // Free / total memory below which pressure is reported as warning.
	CriticalRatio      float64       // Free / total memory below which pressure is reported as critical.
	ReannounceInterval time.Duration // Minimum gap between two reports of the same sustained pressure.
}

// DefaultSystemOptions returns the defaults used when no flags are given.
func DefaultSystemOptions() SystemOptions {
	return SystemOptions{
		PollInterval:       5 * time.Second,
		WarningRatio:       0.15,
		CriticalRatio:      0.05,
		ReannounceInterval: 10 * time.Second,
	}
}

// systemPlatform is the Platform backed by the running OS. Per-OS methods live in build-tagged files.
type systemPlatform struct {
	opts SystemOptions
}

// NewSystemPlatform returns the Platform implementation for the running OS.
func NewSystemPlatform(opts SystemOptions) Platform {
	defaults := DefaultSystemOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.ReannounceInterval <= 0 {
		opts.ReannounceInterval = defaults.ReannounceInterval
	}
	if opts.CriticalRatio > opts.WarningRatio {
		opts.CriticalRatio = opts.WarningRatio
	}
	return &systemPlatform{opts: opts}
}

// pressureTracker turns free-memory samples into pressure signals. It reports every transition and re-reports
// sustained pressure at most once per re-announce interval, so the monitor's auto-clear timer keeps being re-armed
// while the pressure lasts. Not thread-safe; owned by a single polling goroutine.
type pressureTracker struct {
	opts       SystemOptions
	active     bool   // Whether the last reported state was under pressure.
	last       Signal // Last reported pressure signal, valid while active.
	reannounce *rate.Limiter
}

func newPressureTracker(opts SystemOptions) *pressureTracker {
	return &pressureTracker{opts: opts, reannounce: rate.NewLimiter(rate.Every(opts.ReannounceInterval), 1)}
}

// classify maps a free / total memory reading to a pressure signal.
func (p *pressureTracker) classify(free, total uint64) (Signal, bool /*underPressure*/) {
	if total == 0 {
		return SignalPressureRelieved, false
	}
	ratio := float64(free) / float64(total)
	switch {
	case ratio < p.opts.CriticalRatio:
		return SignalPressureCritical, true
	case ratio < p.opts.WarningRatio:
		return SignalPressureWarning, true
	default:
		return SignalPressureRelieved, false
	}
}

// observe records a sample taken at `now` and returns the signal to emit, if any.
func (p *pressureTracker) observe(now time.Time, free, total uint64) (Signal, bool /*emit*/) {
	signal, underPressure := p.classify(free, total)
	if !underPressure {
		if p.active {
			p.active = false
			return SignalPressureRelieved, true
		}
		return signal, false
	}
	if !p.active || signal != p.last {
		p.active, p.last = true, signal
		p.reannounce.AllowN(now, 1) // A transition also counts as an announcement.
		return signal, true
	}
	return signal, p.reannounce.AllowN(now, 1)
}
