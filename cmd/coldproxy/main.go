// Command coldproxy runs the Confidential Storage Core's host process:
// it loads configuration, opens the Key Store and Persistence Adapter,
// and serves the HTTP surface spec.md §6 describes until interrupted.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"coldproxy/internal/app"
	"coldproxy/pkg/config"
	"coldproxy/pkg/logger"
	"coldproxy/pkg/shutdown"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "coldproxy:", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.ParseFlags()
	cfgPath := config.ResolveConfigPath(flags.Config, flags.Set["config"])

	cfg, _, err := config.LoadEffective(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.Set["addr"] {
		if h, p, err := net.SplitHostPort(flags.Addr); err == nil {
			cfg.Server.Address = h
			if pi, perr := strconv.Atoi(p); perr == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = flags.Addr
		}
	}

	logger.Init(cfg.Logging.Level)
	defer logger.Sync()

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	a, err := app.New(cfg, version, commit, buildDate)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	runErr := a.Run(ctx)

	shutdownCtx := context.Background()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error")
	}

	return runErr
}
