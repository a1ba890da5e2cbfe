// Package main is the unified discobot control-plane server: HTTP API,
// subdomain proxy, dispatcher leader loop, event broker, and SSH gateway
// in one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wskish/discobot/internal/common/config"
	"github.com/wskish/discobot/internal/common/logger"
	"github.com/wskish/discobot/internal/completion"
	"github.com/wskish/discobot/internal/dispatcher"
	"github.com/wskish/discobot/internal/events"
	"github.com/wskish/discobot/internal/httpapi"
	"github.com/wskish/discobot/internal/jobqueue"
	"github.com/wskish/discobot/internal/sandbox"
	sandboxdocker "github.com/wskish/discobot/internal/sandbox/docker"
	sandboxmock "github.com/wskish/discobot/internal/sandbox/mock"
	"github.com/wskish/discobot/internal/secrets"
	"github.com/wskish/discobot/internal/session"
	"github.com/wskish/discobot/internal/sshgateway"
	"github.com/wskish/discobot/internal/store/sqlstore"
	"github.com/wskish/discobot/internal/subdomainproxy"
	"github.com/wskish/discobot/pkg/model"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting discobotd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := sqlstore.Open(cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	keys, err := secrets.NewMasterKeyProvider(configDir())
	if err != nil {
		log.Fatal("failed to initialize master key", zap.Error(err))
	}
	secretSvc := secrets.NewService(keys, st)

	broker, busCleanup, err := events.Provide(cfg, st, log)
	if err != nil {
		log.Fatal("failed to initialize event broker", zap.Error(err))
	}
	defer busCleanup()
	if err := broker.Start(ctx); err != nil {
		log.Fatal("failed to start event broker", zap.Error(err))
	}
	defer broker.Stop()

	provider, err := buildProvider(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize sandbox provider", zap.Error(err))
	}
	defer provider.Close()

	queue := jobqueue.New(st, log)

	sessions := session.NewService(st, provider, queue, broker, secretSvc, log, session.Config{
		Image:         cfg.Sandbox.Image,
		CommitTimeout: cfg.Dispatch.SessionCommitTimeoutDuration(),
	})
	completions := completion.NewService(st, provider, broker, sessions, log)
	defer completions.Shutdown()
	sessions.SetCommitRunner(completions)

	disp := dispatcher.New(queue, st, broker, log, dispatcher.Config{
		ServerID: serverID(cfg),
	})
	sessions.RegisterHandlers(disp)
	if err := disp.Start(ctx); err != nil {
		log.Fatal("failed to start dispatcher", zap.Error(err))
	}
	defer disp.Stop()

	if !cfg.Auth.Enabled {
		if err := bootstrapAnonymous(ctx, st); err != nil {
			log.Fatal("failed to bootstrap anonymous project", zap.Error(err))
		}
	}

	go maintenanceLoop(ctx, st, cfg, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	httpapi.SetupRoutes(router, httpapi.Deps{
		Store:       st,
		Broker:      broker,
		Sessions:    sessions,
		Completions: completions,
		Provider:    provider,
		Secrets:     secretSvc,
		Dispatcher:  disp,
		Config:      cfg,
		Logger:      log,
	})

	handler := subdomainproxy.New(st, provider, log, router)

	httpServer := &http.Server{
		Addr:        cfg.Server.HTTPAddr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// No write timeout: SSE responses stay open indefinitely.
	}
	var sshServer *sshgateway.Server
	if cfg.Server.SSHAddr != "" {
		sshServer, err = sshgateway.NewServer(st, provider, cfg.Server.SSHHostKeyPath, log)
		if err != nil {
			log.Fatal("failed to initialize ssh gateway", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if sshServer != nil {
		g.Go(func() error {
			return sshServer.ListenAndServe(gctx, cfg.Server.SSHAddr)
		})
	}
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
			log.Info("shutting down")
		case <-gctx.Done():
		}
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown incomplete", zap.Error(err))
		}
		if sshServer != nil {
			sshServer.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
	}
}

// buildProvider selects the sandbox backend from config.
func buildProvider(cfg *config.Config, log *logger.Logger) (sandbox.Provider, error) {
	switch cfg.Sandbox.Backend {
	case sandbox.BackendDocker:
		return sandboxdocker.New(log)
	case sandbox.BackendMock:
		return sandboxmock.New(log), nil
	default:
		return nil, fmt.Errorf("sandbox backend %q is not built into this binary", cfg.Sandbox.Backend)
	}
}

// serverID derives this instance's leader-election identity.
func serverID(cfg *config.Config) string {
	if cfg.Dispatch.LeaderID != "" {
		return cfg.Dispatch.LeaderID
	}
	host, err := os.Hostname()
	if err != nil {
		host = "discobotd"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// configDir is where the master key lives.
func configDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".discobot")
	}
	return ".discobot"
}

// bootstrapAnonymous ensures the reserved no-auth user, project, and
// membership exist.
func bootstrapAnonymous(ctx context.Context, st *sqlstore.SQLStore) error {
	user, err := st.GetOrCreateUser(ctx, "anonymous", "anonymous", "", "Anonymous")
	if err != nil {
		return err
	}

	project, err := st.GetProjectBySlug(ctx, "default")
	if err != nil {
		project = &model.Project{Slug: "default", Name: "Default"}
		if err := st.CreateProject(ctx, project); err != nil {
			return err
		}
	}

	if _, err := st.GetProjectMember(ctx, project.ID, user.ID); err != nil {
		return st.AddProjectMember(ctx, &model.ProjectMember{
			ProjectID: project.ID,
			UserID:    user.ID,
			Role:      model.ProjectRoleOwner,
		})
	}
	return nil
}

// maintenanceLoop garbage-collects aged project events and expired user
// sessions.
func maintenanceLoop(ctx context.Context, st *sqlstore.SQLStore, cfg *config.Config, log *logger.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-cfg.Events.RetentionDuration())
			if n, err := st.GarbageCollectEvents(ctx, cutoff); err != nil {
				log.Warn("event gc failed", zap.Error(err))
			} else if n > 0 {
				log.Info("garbage-collected events", zap.Int("count", n))
			}
			if err := st.DeleteExpiredUserSessions(ctx, time.Now().UTC()); err != nil {
				log.Warn("user session cleanup failed", zap.Error(err))
			}
		}
	}
}
