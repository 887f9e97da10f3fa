package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"accesscore.org/internal/audit"
	"accesscore.org/internal/auth"
	"accesscore.org/internal/httpapi"
	"accesscore.org/internal/obs"
	"accesscore.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("ACCESSCORE_PG_DSN")
	if dsn == "" {
		log.Fatal("ACCESSCORE_PG_DSN is required")
	}
	secret := os.Getenv("ACCESSCORE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("ACCESSCORE_AUTH_SECRET is required")
	}
	addr := envString("ACCESSCORE_ADDR", ":8080")

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	svc, err := auth.NewService(store, secret,
		auth.WithIssuer(envString("ACCESSCORE_TOKEN_ISSUER", "accesscore")),
		auth.WithAccessTTL(envDuration("ACCESSCORE_ACCESS_TTL", 15*time.Minute)),
		auth.WithRefreshTTL(envDuration("ACCESSCORE_REFRESH_TTL", 14*24*time.Hour)),
		auth.WithInactivityTimeout(envDuration("ACCESSCORE_IDLE_TIMEOUT", 30*time.Minute)),
		auth.WithLockout(
			envInt("ACCESSCORE_LOCKOUT_THRESHOLD", 5),
			envDuration("ACCESSCORE_LOCKOUT_DURATION", 15*time.Minute),
		),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := svc.EnsureBuiltins(ctx); err != nil {
		cancel()
		log.Fatalf("ensure builtins: %v", err)
	}
	cancel()

	recorder, err := audit.NewRecorder(store)
	if err != nil {
		log.Fatalf("audit recorder: %v", err)
	}
	mgr, err := auth.NewManager(store, recorder, svc)
	if err != nil {
		log.Fatalf("auth manager: %v", err)
	}

	api := httpapi.New(svc, mgr, httpapi.ReadyProbe{DB: store.DB()}, version)
	defer api.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Periodic reaper for expired sessions and refresh tokens.
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanupEvery := envDuration("ACCESSCORE_CLEANUP_INTERVAL", 5*time.Minute)
	go func() {
		ticker := time.NewTicker(cleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-ticker.C:
				n, err := svc.CleanupExpired(cleanupCtx)
				if err != nil {
					obs.Log("cleanup.failed", map[string]any{"error": err.Error()})
					continue
				}
				if n > 0 {
					obs.CountCleaned(n)
					obs.Log("cleanup.done", map[string]any{"removed": n})
				}
			}
		}
	}()

	log.Printf("Starting accesscore-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cleanupCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("invalid %s=%q, using %s", key, v, fallback)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("invalid %s=%q, using %d", key, v, fallback)
	}
	return fallback
}
