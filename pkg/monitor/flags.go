package monitor

import (
	"flag"
	"time"
)

var (
	warningCooldown = flag.Duration("memory_warning_cooldown", 3*time.Second,
		"How long the level stays critical after an acute memory warning.")
	pressureTimeout = flag.Duration("pressure_timeout", 30*time.Second,
		"Sustained pressure is considered relieved after this long without a new pressure signal.")
	pressurePollInterval = flag.Duration("pressure_poll_interval", 5*time.Second,
		"How often the OS free memory is sampled, where supported.")
	pressureWarningRatio = flag.Float64("pressure_warning_ratio", 0.15,
		"Free / total memory ratio below which sustained pressure is reported as warning.")
	pressureCriticalRatio = flag.Float64("pressure_critical_ratio", 0.05,
		"Free / total memory ratio below which sustained pressure is reported as critical.")
	pressureReannounceInterval = flag.Duration("pressure_reannounce_interval", 10*time.Second,
		"Minimum gap between two reports of the same sustained pressure; keep it below --pressure_timeout.")
)

// OptionsFromFlags builds monitor Options from the command line flags.
func OptionsFromFlags() Options {
	return Options{WarningCooldown: *warningCooldown, PressureTimeout: *pressureTimeout}
}

// SystemOptionsFromFlags builds SystemOptions from the command line flags.
func SystemOptionsFromFlags() SystemOptions {
	return SystemOptions{
		PollInterval:       *pressurePollInterval,
		WarningRatio:       *pressureWarningRatio,
		CriticalRatio:      *pressureCriticalRatio,
		ReannounceInterval: *pressureReannounceInterval,
	}
}
