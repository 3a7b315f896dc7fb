//go:build linux

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"
)

// readFreeMemory returns the reclaimable and total RAM of the machine in bytes.
func readFreeMemory() (free, total uint64, err error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, fmt.Errorf("sysinfo failed: %w", err)
	}
	unit := uint64(info.Unit)
	if unit == 0 { // Kernels before 2.3.23 report bytes.
		unit = 1
	}
	// Field widths differ between architectures, hence the conversions.
	free = (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	total = uint64(info.Totalram) * unit
	return free, total, nil
}

// SubscribePressure samples sysinfo(2) periodically and treats SIGUSR1 as an operator-triggered memory warning.
func (p *systemPlatform) SubscribePressure(ctx context.Context, sink func(Signal)) error {
	if _, _, err := readFreeMemory(); err != nil {
		return errors.Join(errors.ErrUnsupported, err)
	}

	warnings := make(chan os.Signal, 1)
	signal.Notify(warnings, unix.SIGUSR1)
	tracker := newPressureTracker(p.opts)
	go func() {
		defer signal.Stop(warnings)
		ticker := time.NewTicker(p.opts.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-warnings:
				sink(SignalMemoryWarning)
			case now := <-ticker.C:
				free, total, err := readFreeMemory()
				if err != nil {
					slog.Debug("Failed to sample free memory.", "error", err)
					continue
				}
				if pressureSignal, emit := tracker.observe(now, free, total); emit {
					sink(pressureSignal)
				}
			}
		}
	}()
	return nil
}
