package cli

import (
	"context"
	"log/slog"
	"os"
	"syscall"
)

// taskControl is the part of the pilot signals act on.
type taskControl interface {
	StopAll()
	TogglePause()
}

// handleSignals maps signals onto tasks until ctx ends: the first
// SIGINT/SIGTERM requests a cooperative stop, the second cancels ctx,
// SIGUSR1 toggles pause.
func handleSignals(ctx context.Context, sigs <-chan os.Signal, tc taskControl, cancel context.CancelFunc) {
	stopping := false
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGUSR1:
				slog.Info("Received signal, toggling pause", "signal", sig)
				tc.TogglePause()
			default:
				if stopping {
					slog.Warn("Received second signal, cancelling", "signal", sig)
					cancel()
					return
				}
				stopping = true
				slog.Info("Received signal, stopping tasks after the current step...", "signal", sig)
				tc.StopAll()
			}
		}
	}
}
