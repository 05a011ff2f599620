package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/vesselhq/vessel/internal/auth"
	"github.com/vesselhq/vessel/internal/config"
	"github.com/vesselhq/vessel/internal/crypto"
	"github.com/vesselhq/vessel/internal/database"
	"github.com/vesselhq/vessel/internal/handlers"
	"github.com/vesselhq/vessel/internal/hosts"
	"github.com/vesselhq/vessel/internal/logging"
	"github.com/vesselhq/vessel/internal/middleware"
	"github.com/vesselhq/vessel/internal/orchestrator"
	"github.com/vesselhq/vessel/internal/planner"
	"github.com/vesselhq/vessel/internal/sandbox"
	"github.com/vesselhq/vessel/internal/sshaudit"
	"github.com/vesselhq/vessel/internal/sshpool"
	"github.com/vesselhq/vessel/internal/sshterm"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--show-token":
			runCLICommand("show-token")
			return
		case "--reset-token":
			runCLICommand("reset-token")
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	sshaudit.InitGlobal(database.DB, config.Cfg.TaskRetentionDays)

	ctx := context.Background()
	planner.Init(ctx)
	log.Printf("Plan backend: %s", planner.Get().Name())

	// Tasks left running by a previous process are unrecoverable; mark them
	// failed before anything can observe them.
	if err := orchestrator.RecoverOrphans(); err != nil {
		log.Printf("WARNING: orphan recovery: %v", err)
	}

	registry := hosts.NewRegistry()
	pool := sshpool.New(sshpool.Config{
		MaxPoolSize:              config.Cfg.MaxPoolSize,
		MaxConcurrentConnections: config.Cfg.MaxConcurrentConnections,
		ConnectTimeout:           config.Cfg.ConnectionTimeout,
		CommandTimeout:           config.Cfg.CommandTimeout,
		KeepAliveInterval:        config.Cfg.KeepAliveInterval,
		HealthCheckInterval:      config.Cfg.HealthCheckInterval,
		MaxReconnectAttempts:     config.Cfg.MaxReconnectAttempts,
		FailFast:                 config.Cfg.PoolWaitPolicy == "fail_fast",
	}, hosts.NewDialer(registry))
	access := hosts.NewAccess(registry, pool)
	orch := orchestrator.New(orchestrator.PoolConnections(pool), planner.Get)
	consoles := sshterm.NewManager()

	// Deleting a host tears down everything attached to it.
	registry.OnDeleted(func(hostID uint) {
		orch.CancelForHost(hostID)
		consoles.CloseAllForHost(hostID)
		pool.Forget(hostID)
	})

	sandboxes := sandbox.NewManager(registry)
	if err := sandboxes.Init(ctx); err != nil {
		log.Printf("WARNING: sandboxes unavailable: %v", err)
	} else if containers, rows := sandboxes.Prune(ctx); containers > 0 || rows > 0 {
		log.Printf("Pruned %d leftover sandbox containers, %d stranded hosts", containers, rows)
	}

	pool.Start(ctx)
	log.Printf("Connection pool started (max=%d, wait_policy=%s)", config.Cfg.MaxPoolSize, config.Cfg.PoolWaitPolicy)

	handlers.Hosts = registry
	handlers.Access = access
	handlers.Pool = pool
	handlers.Orch = orch
	handlers.Consoles = consoles
	handlers.Sandboxes = sandboxes

	var token string
	if config.Cfg.AuthDisabled {
		log.Printf("WARNING: API authentication is disabled (VESSEL_AUTH_DISABLED)")
	} else {
		var err error
		token, err = auth.EnsureToken()
		if err != nil {
			log.Fatalf("API token init: %v", err)
		}
	}

	jobs := cron.New()
	jobs.AddFunc("@midnight", runNightlyMaintenance)
	jobs.Start()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAuth(token))

		// Hosts
		r.Get("/hosts", handlers.ListHosts)
		r.Post("/hosts", handlers.CreateHost)
		r.Get("/hosts/{id}", handlers.GetHost)
		r.Delete("/hosts/{id}", handlers.DeleteHost)
		r.Put("/hosts/{id}/credential", handlers.UpdateHostCredential)
		r.Post("/hosts/{id}/test", handlers.TestHostConnection)
		r.Post("/hosts/{id}/rotate-key", handlers.RotateHostKey)
		r.Get("/hosts/{id}/metrics", handlers.GetHostMetrics)
		r.Delete("/hosts/{id}/connection", handlers.EvictHostConnection)
		r.Get("/hosts/{id}/console", handlers.ConsoleTerminal)
		r.Get("/hosts/{id}/service-logs", handlers.StreamServiceLogs)
		r.Get("/hosts/{id}/log-files", handlers.GetHostLogFiles)

		// Connection pool introspection
		r.Get("/pool/stats", handlers.GetPoolStats)
		r.Get("/pool/entries", handlers.GetPoolEntries)
		r.Get("/pool/events", handlers.GetPoolEvents)

		// Templates
		r.Get("/templates", handlers.ListTemplates)
		r.Post("/templates", handlers.CreateTemplate)
		r.Post("/templates/import", handlers.ImportTemplate)
		r.Get("/templates/{id}", handlers.GetTemplate)
		r.Put("/templates/{id}", handlers.UpdateTemplate)
		r.Delete("/templates/{id}", handlers.DeleteTemplate)
		r.Post("/templates/{id}/preview", handlers.PreviewTemplate)
		r.Get("/templates/{id}/export", handlers.ExportTemplate)

		// Deployment tasks
		r.Get("/tasks", handlers.ListTasks)
		r.Post("/tasks", handlers.CreateTask)
		r.Get("/tasks/{id}", handlers.GetTask)
		r.Delete("/tasks/{id}", handlers.DeleteTask)
		r.Post("/tasks/{id}/execute", handlers.ExecuteTask)
		r.Post("/tasks/{id}/cancel", handlers.CancelTask)
		r.Post("/tasks/{id}/retry", handlers.RetryTask)
		r.Get("/tasks/{id}/logs", handlers.GetTaskLogs)
		r.Get("/tasks/{id}/events", handlers.StreamTaskEvents)
		r.Get("/tasks/{id}/service-logs", handlers.StreamTaskServiceLogs)

		// Web terminal consoles
		r.Get("/consoles", handlers.ListConsoles)
		r.Delete("/consoles/{consoleID}", handlers.CloseConsole)

		// Sandboxes
		r.Get("/sandboxes", handlers.ListSandboxes)
		r.Post("/sandboxes", handlers.LaunchSandbox)
		r.Post("/sandboxes/prune", handlers.PruneSandboxes)
		r.Get("/sandboxes/{id}/status", handlers.GetSandboxStatus)
		r.Delete("/sandboxes/{id}", handlers.TeardownSandbox)

		// Command audit trail
		r.Get("/audit/commands", handlers.GetCommandAudit)
		r.Post("/audit/commands/purge", handlers.PurgeCommandAudit)

		// Settings and server logs
		r.Get("/settings", handlers.GetSettings)
		r.Put("/settings", handlers.UpdateSettings)
		r.Post("/settings/token/reset", handlers.ResetAPIToken)
		r.Get("/settings/logs", handlers.GetServerLogs)
		r.Delete("/settings/logs", handlers.ClearServerLogs)
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}
	if config.Cfg.TLSEnabled {
		cert, err := crypto.ServerCertificate(config.Cfg.TLSHosts)
		if err != nil {
			log.Fatalf("TLS init: %v", err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*cert}}
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s (tls=%v)", config.Cfg.ListenAddr, config.Cfg.TLSEnabled)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	jobs.Stop()

	for _, c := range consoles.List(0) {
		consoles.Close(c.ID)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Printf("Orchestrator shutdown: %v", err)
	}
	pool.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	switch command {
	case "show-token":
		token, err := auth.EnsureToken()
		if err != nil {
			log.Fatalf("Failed to resolve API token: %v", err)
		}
		fmt.Println(token)

	case "reset-token":
		token, err := auth.ResetToken()
		if err != nil {
			log.Fatalf("Failed to reset API token: %v", err)
		}
		fmt.Printf("New API token: %s\nClients using the old token will stop working immediately.\n", token)
	}
}
