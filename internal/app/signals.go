package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"stackctl/internal/orchestrator"
	"stackctl/pkg/logging"
)

// signalTarget is the part of the orchestrator signals act on.
type signalTarget interface {
	Stop()
	Reload() (orchestrator.ReloadReport, error)
}

// handleSignals maps SIGINT and SIGTERM to an orderly stop and SIGHUP to a
// reload until ctx ends. Repeated stop signals are harmless.
func handleSignals(ctx context.Context, ctl signalTarget) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			dispatchSignal(sig, ctl)
		}
	}
}

func dispatchSignal(sig os.Signal, ctl signalTarget) {
	switch sig {
	case syscall.SIGHUP:
		logging.Info("Signals", "SIGHUP received, reloading stack file")
		if _, err := ctl.Reload(); err != nil {
			logging.Error("Signals", err, "Reload rejected")
		}
	default:
		logging.Info("Signals", "%s received, stopping stack", sig)
		ctl.Stop()
	}
}
