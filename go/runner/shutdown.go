package runner

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// Shutdown is the run-global cooperative cancellation flag. Workers and
// the merger poll Requested between units of work.
type Shutdown struct {
	flag atomic.Bool
}

// NewShutdown returns an un-triggered flag.
func NewShutdown() *Shutdown { return &Shutdown{} }

// Requested reports whether a stop was requested.
func (s *Shutdown) Requested() bool { return s.flag.Load() }

// Trigger sets the flag.
func (s *Shutdown) Trigger() { s.flag.Store(true) }

// Install wires SIGINT/SIGTERM: the first signal triggers cooperative
// shutdown, a second one terminates the process immediately.
func (s *Shutdown) Install() {
	var signals = make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		var sig = <-signals
		log.WithField("signal", sig.String()).
			Warn("shutdown requested; finishing current partitions (interrupt again to force exit)")
		s.Trigger()

		sig = <-signals
		log.WithField("signal", sig.String()).Error("forced exit")
		os.Exit(130)
	}()
}
