// Command agentbus-mcp serves the bus over the MCP stdio transport for
// clients that cannot speak SSE. It opens the same database file as the main
// server; SQLite WAL mode lets both processes share it. Without the server's
// in-process event feed, message waits fall back to a short safety poll.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentbus/agentbus/internal/common/config"
	"github.com/agentbus/agentbus/internal/common/logger"
	"github.com/agentbus/agentbus/internal/core"
	"github.com/agentbus/agentbus/internal/db"
	eventbus "github.com/agentbus/agentbus/internal/events/bus"
	"github.com/agentbus/agentbus/internal/invite"
	"github.com/agentbus/agentbus/internal/mcpserver"
	"github.com/agentbus/agentbus/internal/presence"
	"github.com/agentbus/agentbus/internal/store"
	"github.com/agentbus/agentbus/internal/wait"
)

// stdioSafetyPoll replaces event-driven wakeups: new messages written by the
// server process are only visible to this one through the database.
const stdioSafetyPoll = 1 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the MCP protocol, so logs must go elsewhere.
	logPath := cfg.Logging.OutputPath
	if logPath == "" || logPath == "stdout" {
		logPath = "stderr"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: logPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("agentbus-mcp exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
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

	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "localhost"
	}
	endpoint := fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)

	broker := eventbus.NewBroker(log)
	waits := wait.NewCoordinator(st, stdioSafetyPoll, log)
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
	defer busCore.Shutdown()

	log.Info("serving MCP over stdio", zap.String("db", cfg.Database.Path))
	return mcpserver.New(busCore, log).ServeStdio()
}
