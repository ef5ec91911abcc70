package config

import (
	"os"
	"os/signal"
	"syscall"
)

// WatchSignals triggers Reload on SIGHUP, the conventional "re-read your
// config" signal for long-running daemons. It runs until Stop is called.
func (h *Holder) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-sigCh:
				_ = h.Reload()
			case <-h.stopCh:
				signal.Stop(sigCh)
				return
			}
		}
	}()
}
