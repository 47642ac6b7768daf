package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hnhdigital-os/ubuntu-iso-builder/service"
)

// handleSignals tears down the tree registered with svc and exits when the
// process is interrupted. The returned function stops listening.
func handleSignals(svc *service.Service) func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigChan:
			fmt.Fprintf(os.Stderr, "\nReceived signal %v, cleaning up...\n", sig)
			if cleanup := svc.GetActiveCleanup(); cleanup != nil {
				cleanup()
			}
			svc.Close()
			os.Exit(1)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}
