//go:build unix

package monitor

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// SubscribeLifecycle maps SIGUSR2 to entering background and SIGCONT (sent after a stopped process resumes) to
// entering foreground.
func (p *systemPlatform) SubscribeLifecycle(ctx context.Context, sink func(Signal)) error {
	lifecycle := make(chan os.Signal, 1)
	signal.Notify(lifecycle, unix.SIGUSR2, unix.SIGCONT)
	go func() {
		defer signal.Stop(lifecycle)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-lifecycle:
				if sig == unix.SIGUSR2 {
					sink(SignalEnteredBackground)
				} else {
					sink(SignalEnteredForeground)
				}
			}
		}
	}()
	return nil
}
