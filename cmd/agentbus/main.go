// Command agentbus runs the multi-agent communication bus: the REST + SSE
// surface for the console and the MCP surface for agents, over one listener.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentbus/agentbus/internal/common/config"
	"github.com/agentbus/agentbus/internal/common/httpmw"
	"github.com/agentbus/agentbus/internal/common/logger"
	"github.com/agentbus/agentbus/internal/core"
	"github.com/agentbus/agentbus/internal/db"
	eventbus "github.com/agentbus/agentbus/internal/events/bus"
	"github.com/agentbus/agentbus/internal/httpapi"
	"github.com/agentbus/agentbus/internal/invite"
	"github.com/agentbus/agentbus/internal/mcpserver"
	"github.com/agentbus/agentbus/internal/presence"
	"github.com/agentbus/agentbus/internal/store"
	"github.com/agentbus/agentbus/internal/uploads"
	"github.com/agentbus/agentbus/internal/wait"
)

// shutdownGrace bounds how long shutdown may take; all waiters, streams, and
// background loops must quiesce within it.
const shutdownGrace = 2 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("agentbus exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return err
	}
	reader, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		return err
	}
	st, err := store.NewWithDB(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	if err != nil {
		return err
	}
	defer func() {
		_ = writer.Close()
		_ = reader.Close()
	}()

	endpoint := busEndpoint(cfg)

	broker := eventbus.NewBroker(log)
	waits := wait.NewCoordinator(st, cfg.Wait.SafetyPollDuration(), log)
	pres := presence.NewManager(st, broker,
		cfg.Presence.HeartbeatTimeoutDuration(), cfg.Presence.SweepIntervalDuration(), log)

	catalog, err := invite.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		log.Warn("agent catalog unavailable, invitations disabled", zap.Error(err))
	}
	executor := invite.NewExecutor(catalog, endpoint, cfg.Catalog.LogDir, log)

	busCore := core.New(st, broker, waits, pres, executor, core.Options{
		BusName:           cfg.Bus.Name,
		PreferredLanguage: cfg.Bus.PreferredLanguage,
		Endpoint:          endpoint,
		HeartbeatTimeout:  cfg.Presence.HeartbeatTimeoutDuration(),
		WaitDefault:       cfg.Wait.DefaultTimeoutDuration(),
		WaitMax:           cfg.Wait.MaxTimeoutDuration(),
	}, log)

	uploadStore, err := uploads.NewStore(cfg.Uploads.Dir, cfg.Uploads.RetentionDays, cfg.Uploads.MaxTotalMB, log)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "agentbus"))

	httpapi.NewHandlers(busCore, uploadStore, log).RegisterRoutes(router)
	mcpSrv := mcpserver.New(busCore, log)
	mcpSrv.Mount(router)

	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		// Read/write timeouts stay disabled unless configured: SSE streams
		// and long-poll waits hold connections open far past normal limits.
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
		Handler:      router,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return pres.Run(groupCtx) })
	group.Go(func() error { return uploadStore.Run(groupCtx) })
	group.Go(func() error {
		log.Info("agentbus listening",
			zap.String("addr", srv.Addr),
			zap.String("endpoint", endpoint),
			zap.String("mcp_sse", endpoint+"/sse"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-groupCtx.Done():
	}

	cancel()

	// Wake all parked waiters and SSE subscribers, then drain the listener.
	busCore.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := mcpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("mcp shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info("agentbus stopped")
	return nil
}

// busEndpoint is the URL advertised to clients and injected into invitation
// commands via {bus_url}.
func busEndpoint(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}
