package vacuum

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// runQuit is the quit task. It blocks until either a shutdown signal
// arrives or stop is closed by Run once the copy task has finished on its
// own; on a signal, it marks the run done and wakes any watch task still
// waiting for its first cycle so it can observe the shutdown and exit.
func runQuit(status *Status, stop <-chan struct{}, log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Stringer("signal", sig).Msg("vacuum: shutdown signal received")
		status.SetDone(true)
		status.SignalStartWatch()

	case <-stop:
	}
}
