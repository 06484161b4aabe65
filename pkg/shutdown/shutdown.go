// Package shutdown wires process signals to graceful shutdown, grounded on
// the teacher's pkg/shutdown.SetupSignalHandler. The teacher's crash-dump
// and abort-request file machinery (Abort/AbortWithDiagnostics) is dropped
// here: it exists to diagnose the ingest pipeline's own panics, a
// collaborator outside this core's scope, and duplicating it would add
// surface with nothing in the core to exercise it.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"coldproxy/pkg/logger"
)

// SetupSignalHandler installs handlers for SIGINT/SIGTERM and SIGPIPE and
// returns a cancellable context, cancelled when any watched signal
// arrives. On shutdown every core component holding key material (the
// Unlock Service's MK cache, in particular) MUST be told to zeroize before
// the process exits.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		logger.Info("signal_received", zap.String("signal", s.String()), zap.String("msg", "shutdown requested"))
		cancel()
	}()

	sigpipe := make(chan os.Signal, 1)
	signal.Notify(sigpipe, syscall.SIGPIPE)
	go func() {
		s := <-sigpipe
		logger.Info("signal_received", zap.String("signal", s.String()), zap.String("msg", "SIGPIPE - dumping goroutine stacks"))
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		logger.Info("goroutine_stack_dump", zap.String("dump", string(buf[:n])))
		cancel()
	}()

	return ctx, cancel
}
