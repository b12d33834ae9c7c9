package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/gardenq/internal/api"
	"github.com/kalambet/gardenq/internal/config"
	"github.com/kalambet/gardenq/internal/conflict"
	"github.com/kalambet/gardenq/internal/dedup"
	"github.com/kalambet/gardenq/internal/events"
	"github.com/kalambet/gardenq/internal/logging"
	"github.com/kalambet/gardenq/internal/netstate"
	"github.com/kalambet/gardenq/internal/outbox"
	"github.com/kalambet/gardenq/internal/processor"
	"github.com/kalambet/gardenq/internal/queue"
	"github.com/kalambet/gardenq/internal/quota"
	"github.com/kalambet/gardenq/internal/remote"
	"github.com/kalambet/gardenq/internal/storage"
	"github.com/kalambet/gardenq/internal/syncer"
	"github.com/kalambet/gardenq/internal/telemetry"
)

// cleanupInterval paces background storage maintenance when auto cleanup is on.
const cleanupInterval = time.Hour

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the gardenq daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gardenq daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "gardenq.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// app is the wired daemon: one store, one bus and one orchestrator shared by
// the HTTP API and the MCP server.
type app struct {
	cfg     config.Config
	store   *storage.Store
	bus     *events.Bus
	net     *netstate.Monitor
	quota   *quota.Manager
	sync    *syncer.Orchestrator
	outbox  *outbox.Outbox
	handler http.Handler
	mcp     *server.MCPServer
}

func newApp(cfg config.Config, token string) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	bus := events.NewBus()
	monitor := netstate.NewMonitor(true)

	var fetcher queue.RemoteFetcher
	if cfg.Remote.IndexerURL != "" {
		fetcher = remote.NewIndexerClient(cfg.Remote.IndexerURL)
	}
	var dedupRemote queue.RemoteFetcher
	if cfg.DedupSettings().CheckRemote {
		dedupRemote = fetcher
	}
	dd := dedup.NewEngine(store, dedupRemote, cfg.DedupSettings())
	resolver := conflict.NewResolver(fetcher, store, bus, cfg.ConflictSettings())
	quotaMgr := quota.NewManager(store, cfg.QuotaSettings(), bus)

	work := processor.Work{}
	if cfg.Remote.ContentURL != "" {
		work.Content = remote.NewContentClient(cfg.Remote.ContentURL, cfg.Remote.ContentToken, nil)
	}
	registry, err := processor.NewRegistry(work, processor.Approval{})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building processors: %w", err)
	}

	var signer processor.Submitter
	if cfg.Remote.SignerURL != "" {
		signer = remote.NewSignerClient(cfg.Remote.SignerURL, cfg.Remote.SignerToken, nil)
	} else {
		slog.Warn("no signer configured, jobs will stay queued until remote.signer_url is set")
	}

	orch := syncer.New(store, registry, signer, resolver, monitor, bus, cfg.SyncSettings())
	ob := outbox.New(store, dd, quotaMgr, bus)

	a := &app{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		net:    monitor,
		quota:  quotaMgr,
		sync:   orch,
		outbox: ob,
	}
	a.handler = api.NewAppHandler(api.AppDeps{
		Outbox:  ob,
		Sync:    orch,
		Storage: quotaMgr,
		Net:     monitor,
		Events:  bus,
		Token:   token,
	})
	a.mcp = api.NewMCPServer(api.MCPDeps{
		Outbox:  ob,
		Sync:    orch,
		Storage: quotaMgr,
	})
	return a, nil
}

// start launches the background loops. They stop when ctx is cancelled.
func (a *app) start(ctx context.Context) {
	go a.sync.Run(ctx)

	if url := a.cfg.Remote.ProbeURL; url != "" {
		client := &http.Client{Timeout: 5 * time.Second}
		go a.net.Probe(ctx, client, url, a.cfg.Remote.ProbeInterval)
	}

	if a.cfg.Storage.AutoCleanup {
		go a.maintain(ctx)
	}
}

func (a *app) maintain(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := a.quota.Cleanup(ctx, a.quota.Settings())
			if err != nil {
				slog.Warn("storage cleanup failed", "error", err)
				continue
			}
			if total := res.Total(); total.Jobs > 0 || total.Media > 0 {
				slog.Info("storage cleanup", "jobs", total.Jobs, "media", total.Media, "bytes", total.Bytes)
			}
		}
	}
}

func (a *app) close() error {
	a.bus.Close()
	return a.store.Close()
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "gardenq version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	token, err := config.APIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available", "path", filepath.Join(cfg.Storage.DataDir, "api_token"))

	// Refuse to start twice against the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("gardenq is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("gardenq is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "gardenq", cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}()

	a, err := newApp(cfg, token)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if cfg.Telemetry.AMQPURL != "" {
		fwd, err := telemetry.DialAMQP(cfg.Telemetry.AMQPURL, cfg.Telemetry.AMQPExchange)
		if err != nil {
			slog.Warn("event forwarding disabled", "error", err)
		} else {
			defer fwd.Close()
			go fwd.Run(ctx, a.bus)
			slog.Info("forwarding events", "exchange", cfg.Telemetry.AMQPExchange)
		}
	}

	a.start(ctx)

	if withMCP {
		stdioSrv := server.NewStdioServer(a.mcp)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "gardenq listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("gardenq is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop gardenq (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to gardenq (PID %d)", pid)
	return nil
}

type healthView struct {
	Status string `json:"status"`
	Online bool   `json:"online"`
	Paused bool   `json:"paused"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient = &http.Client{Timeout: 2 * time.Second}

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	var h healthView
	if err := decodeJSON(resp, &h); err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)
	printStatus("Network", "%s", onlineLabel(h.Online))
	if h.Paused {
		printStatus("Sync", "%s", colorize(colorYellow, "paused"))
	} else {
		printStatus("Sync", "active")
	}

	if resp, err := client.get(ctx, "/storage"); err == nil {
		var a quota.Analytics
		if decodeJSON(resp, &a) == nil {
			printStatus("Storage", "%s of %s (%.0f%%)", bytesLabel(a.UsedBytes), bytesLabel(a.QuotaBytes), a.UsedPercent)
		}
	}

	if client.requireScope() == nil {
		if resp, err := client.get(ctx, "/stats"); err == nil {
			var s queue.Stats
			if decodeJSON(resp, &s) == nil {
				printStatus("Queue", "%d pending, %d failed, %d needs review, %d synced", s.Pending, s.Failed, s.NeedsReview, s.Synced)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config", "%s", config.FilePath())
	return nil
}

func onlineLabel(online bool) string {
	if online {
		return colorize(colorGreen, "online")
	}
	return colorize(colorRed, "offline")
}
