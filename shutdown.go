// (c) Copyright Procwatch 2025

package governor

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// shutdownTimeout bounds how long a signal-initiated shutdown waits for
// subprocesses to exit before force-killing them
const shutdownTimeout = 30 * time.Second

// watchSignals installs a SIGINT/SIGTERM handler that runs a full Shutdown.
// The returned function uninstalls the handler.
func (g *Governor) watchSignals() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		select {
		case sig := <-ch:
			g.logger.Info("received ", sig, ", shutting down")

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := g.Shutdown(ctx); err != nil {
				g.logger.Warn("shutdown did not drain cleanly: ", err)
			}
		case <-done:
		}

		signal.Stop(ch)
	}()

	return func() { close(done) }
}
