package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/neonwatty/vibetunnel-sub006/internal/auth"
	"github.com/neonwatty/vibetunnel-sub006/internal/bufstream"
	"github.com/neonwatty/vibetunnel-sub006/internal/config"
	"github.com/neonwatty/vibetunnel-sub006/internal/database"
	"github.com/neonwatty/vibetunnel-sub006/internal/handlers"
	"github.com/neonwatty/vibetunnel-sub006/internal/hqclient"
	"github.com/neonwatty/vibetunnel-sub006/internal/logging"
	"github.com/neonwatty/vibetunnel-sub006/internal/middleware"
	"github.com/neonwatty/vibetunnel-sub006/internal/notifier"
	"github.com/neonwatty/vibetunnel-sub006/internal/registry"
	"github.com/neonwatty/vibetunnel-sub006/internal/router"
	"github.com/neonwatty/vibetunnel-sub006/internal/sessions"
)

// exitedSessionTTL is how long an exited session stays listed.
const exitedSessionTTL = time.Hour

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := sessions.NewStore(nil)
	handlers.Store = store

	var adminVerifier *auth.AdminVerifier
	if config.Cfg.HQUsername != "" {
		v, err := auth.NewAdminVerifier(auth.AdminCredentials{Username: config.Cfg.HQUsername, Password: config.Cfg.HQPassword})
		if err != nil {
			log.Fatalf("Admin credentials: %v", err)
		}
		adminVerifier = v
	}
	creds := middleware.Credentials{Client: auth.ClientToken(config.Cfg.ClientToken)}

	maintenance := cron.New()
	maintenance.AddFunc("@every 10m", func() {
		if n := store.CleanupExited(exitedSessionTTL); n > 0 {
			log.Printf("[sessions] removed %d exited sessions", n)
		}
	})

	// HQ
	var (
		reg       *registry.Registry
		rt        *router.Router
		snapshots *router.SnapshotSource
		source    bufstream.Source = store
	)
	if config.Cfg.HQMode {
		handlers.Mode = "hq"
		if err := database.Init(); err != nil {
			log.Fatalf("Database init: %v", err)
		}
		defer database.Close()

		checker := registry.HTTPHealthChecker(nil)
		reg = registry.New(registry.Options{
			Checker:          checker,
			Interval:         config.Cfg.HealthInterval,
			Timeout:          config.Cfg.HealthTimeout,
			FailureThreshold: config.Cfg.HealthFailureThreshold,
			IsLocal:          store.Has,
		})
		eventLog := database.NewEventLog(database.DB)
		reg.OnEvent(eventLog.RecordRemoteEvent)
		handlers.Registry = reg
		handlers.EventLog = eventLog
		handlers.ProbeRemote = checker

		maintenance.AddFunc("@every 1h", func() {
			if _, err := eventLog.PruneRemoteEvents(config.Cfg.EventRetention); err != nil {
				log.Printf("[database] pruning remote events: %v", err)
			}
		})

		snapshots = router.NewSnapshotSource(reg, store, bufstream.ClientOptions{HeartbeatInterval: config.Cfg.BufferPingInterval})
		source = snapshots
		rt = router.New(reg, store, router.Options{FanoutTimeout: config.Cfg.RemoteFanoutTimeout})
		creds.Admin = adminVerifier

		reg.StartHealthSweep(ctx)
		log.Printf("Running as HQ (health interval %s)", config.Cfg.HealthInterval)
	}

	// Remote
	var notif *notifier.Notifier
	if config.Cfg.IsRemote() {
		handlers.Mode = "remote"
		token, err := auth.NewBearerToken()
		if err != nil {
			log.Fatalf("Bearer token: %v", err)
		}
		handlers.BearerToken = token
		creds.Bearer = token

		remoteID := config.Cfg.RemoteID
		if remoteID == "" {
			remoteID = uuid.New().String()
		}
		hq := hqclient.New(config.Cfg.HQURL, auth.AdminCredentials{Username: config.Cfg.HQUsername, Password: config.Cfg.HQPassword})
		notif = notifier.New(hq, store, hqclient.RemoteInfo{
			ID:    remoteID,
			Name:  config.Cfg.RemoteName,
			URL:   config.Cfg.RemoteURL,
			Token: token,
		}, config.Cfg.ResyncSchedule)
	}

	buffers := bufstream.NewService(source, config.Cfg.BufferPingInterval)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth unless a bearer token is presented)
	r.Get("/api/health", handlers.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireClient(creds))

		r.Handle(router.BuffersPath, buffers)

		if rt != nil {
			r.Get("/api/sessions", rt.HandleList)
			r.Method(http.MethodPost, "/api/sessions", rt.CreateSession(http.HandlerFunc(handlers.CreateSession)))
		} else {
			r.Get("/api/sessions", handlers.ListSessions)
			r.Post("/api/sessions", handlers.CreateSession)
		}

		r.Route("/api/sessions/{id}", func(r chi.Router) {
			if rt != nil {
				r.Use(rt.SessionScoped)
			}
			r.Get("/", handlers.GetSession)
			r.Delete("/", handlers.DeleteSession)
			r.Post("/input", handlers.SendInput)
			r.Post("/resize", handlers.ResizeSession)
			r.Get("/buffer", handlers.GetBuffer)
			r.Get("/stream", handlers.StreamOutput)
		})
	})

	if adminVerifier != nil {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(adminVerifier))

			if reg != nil {
				r.Post("/api/remotes/register", handlers.RegisterRemote)
				r.Get("/api/remotes", handlers.ListRemotes)
				r.Get("/api/remotes/events", handlers.GetRemoteEvents)
				r.Delete("/api/remotes/{id}", handlers.UnregisterRemote)
				r.Post("/api/remotes/{name}/refresh-sessions", handlers.RefreshRemoteSessions)
				r.Put("/api/remotes/{name}/sessions", handlers.ReplaceRemoteSessions)
			}

			r.Get("/api/server-logs", handlers.GetServerLogs)
			r.Delete("/api/server-logs", handlers.ClearServerLogs)
		})
	}

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	maintenance.Start()

	// Registration failure is not fatal: the remote keeps serving standalone
	// and the resync job retries.
	if notif != nil {
		if err := notif.Start(ctx); err != nil {
			log.Printf("WARNING: HQ registration: %v", err)
		}
	}

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if notif != nil {
		notif.Stop(shutdownCtx)
	}
	<-maintenance.Stop().Done()
	if reg != nil {
		reg.Stop()
	}
	buffers.Close()
	if snapshots != nil {
		snapshots.Close()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	store.Close()
	log.Println("Server stopped")
}
