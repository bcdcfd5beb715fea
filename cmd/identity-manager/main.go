// Command identity-manager reconciles a desired set of registration
// entries against the server's AdminApi (spec "Out of scope: the Identity
// Manager's IoT-Hub reconciliation logic... it is a client of the server's
// admin API"). This binary implements the generic reconciliation loop; any
// IoT-Hub-specific desired-state generation stays an external concern.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pocket/hexagon/identityplane/internal/identitymanager"
)

func main() {
	adminAddress := flag.String("admin-address", "http://127.0.0.1:8443", "Base URL of the server's admin API")
	desiredPath := flag.String("desired-state", "/etc/identityplane/desired-entries.yaml", "Path to the desired-state YAML file")
	adminTokenPath := flag.String("admin-token-path", "", "Optional path to a file containing the admin bearer token")
	interval := flag.Duration("interval", time.Minute, "Reconcile interval")
	debug := flag.Bool("debug", false, "Enable verbose logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opts []identitymanager.AdminClientOption
	if *adminTokenPath != "" {
		token, err := os.ReadFile(*adminTokenPath)
		if err != nil {
			log.Fatalf("read admin token: %v", err)
		}
		opts = append(opts, identitymanager.WithAdminToken(trimNewline(string(token))))
	}

	admin := identitymanager.NewAdminClient(*adminAddress, opts...)
	reconciler := identitymanager.NewReconciler(admin, *desiredPath, logger)

	if _, err := reconciler.Run(ctx); err != nil {
		logger.Error("initial reconcile failed", "error", err)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("identity manager running", "admin_address", *adminAddress, "interval", *interval)
	for {
		select {
		case <-ticker.C:
			if _, err := reconciler.Run(ctx); err != nil {
				logger.Error("reconcile failed", "error", err)
			}
		case <-sigCh:
			logger.Info("shutting down")
			return
		}
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
