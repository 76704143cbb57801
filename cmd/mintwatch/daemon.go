package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mintwatch/backend/internal/config"
	"github.com/mintwatch/backend/internal/solana"
)

const (
	drainTimeout  = 30 * time.Second
	probeTimeout  = 10 * time.Second
	healthTimeout = 5 * time.Second
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitConfig
	}
	cfg.SetupLogger()
	slog.Info("starting mintwatch", "config", cfg.Redacted())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	app, err := buildApp(cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return exitStartup
	}

	ok, aborted := probeRPC(app.rpc, cfg.Solana.RPCURL, sigCh)
	if aborted {
		slog.Info("interrupted during startup")
		app.stop()
		return exitOK
	}
	if !ok {
		slog.Error("solana rpc unreachable, giving up", "endpoint", cfg.Solana.RPCURL)
		app.stop()
		return exitDependency
	}

	pidPath := cfg.Storage.PidfilePath()
	if err := writePidfile(pidPath); err != nil {
		slog.Error("pidfile", "path", pidPath, "error", err)
		app.stop()
		return exitStartup
	}
	defer removePidfile(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.start(ctx)

	srvErr := make(chan error, 1)
	go func() { srvErr <- app.srv.Start() }()

	slog.Info("mintwatch ready", "port", cfg.Server.Port, "pid", os.Getpid())

	exit := exitOK
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErr:
		if err != nil {
			slog.Error("http server failed", "error", err)
			exit = exitStartup
		}
	}

	cancel()

	done := make(chan struct{})
	go func() {
		sctx, scancel := context.WithTimeout(context.Background(), drainTimeout)
		defer scancel()
		if err := app.srv.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		app.stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("mintwatch stopped")
	case <-sigCh:
		slog.Warn("second signal, exiting immediately")
		return exitConfig
	case <-time.After(drainTimeout + 5*time.Second):
		slog.Warn("shutdown drain expired, exiting")
	}
	return exit
}

// probeRPC verifies the chain RPC answers before the pipeline starts,
// backing off between attempts. A signal during a wait aborts the probe.
func probeRPC(rpc *solana.RPCClient, endpoint string, sigCh <-chan os.Signal) (ok, aborted bool) {
	delays := []time.Duration{0, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	for i, delay := range delays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-sigCh:
				return false, true
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		slot, err := rpc.GetSlot(ctx)
		cancel()
		if err == nil {
			slog.Info("solana rpc reachable", "endpoint", endpoint, "slot", slot)
			return true, false
		}
		slog.Warn("solana rpc probe failed",
			"attempt", i+1,
			"attempts", len(delays),
			"error", err)
	}
	return false, false
}

func runStop(args []string) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	pidPath := loadOrDefault(resolveConfigPath(*configPath)).Storage.PidfilePath()
	pid, err := readPidfile(pidPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mintwatch does not appear to be running: %v\n", err)
		return exitStartup
	}

	proc, err := os.FindProcess(pid)
	if err == nil {
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "signal pid %d: %v\n", pid, err)
		return exitStartup
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return exitOK
}

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	port := loadOrDefault(resolveConfigPath(*configPath)).Server.Port
	client := &http.Client{Timeout: healthTimeout}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%s/health", port))
	if err != nil {
		fmt.Fprintln(os.Stderr, "health:", err)
		return exitStartup
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	fmt.Println(strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return exitStartup
	}
	return exitOK
}

// resolveConfigPath falls back to the MINTWATCH_CONFIG environment variable
// when no -config flag was given.
func resolveConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return os.Getenv("MINTWATCH_CONFIG")
}

// loadOrDefault returns the full configuration when it loads, otherwise the
// defaults patched with the path and port environment knobs. stop and
// health only need those, and must not demand a complete daemon config.
func loadOrDefault(path string) *config.Config {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg
	}
	cfg = config.Default()
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.Server.Port = v
	}
	return cfg
}
