// Command api runs the campus access and attendance verification service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campusgate.org/internal/access"
	"campusgate.org/internal/attendance"
	"campusgate.org/internal/audit"
	"campusgate.org/internal/cache"
	"campusgate.org/internal/campus"
	"campusgate.org/internal/config"
	"campusgate.org/internal/httpapi"
	"campusgate.org/internal/obs"
	"campusgate.org/internal/qrtoken"
	"campusgate.org/internal/store/pg"
	"campusgate.org/internal/stream"
)

func main() {
	if err := run(); err != nil {
		obs.LogEvent(map[string]any{"type": "fatal", "error": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	obs.Init()
	obs.InitBuildInfo(cfg.Version, cfg.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store     attendance.Store
		directory campus.Directory
		auditSink audit.Store
		ready     func(context.Context) bool
	)
	if cfg.DatabaseURL != "" {
		db, err := pg.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		pgStore := pg.New(db)
		store, directory, auditSink = pgStore, pgStore, pgStore
		ready = pgStore.Healthy
		obs.LogEvent(map[string]any{"type": "startup", "store": "postgres"})
	} else {
		mem := attendance.NewInMemory()
		dir := campus.NewInMemoryDirectory()
		seedDev(dir)
		store, directory, auditSink = mem, dir, mem
		ready = func(context.Context) bool { return true }
		obs.LogEvent(map[string]any{"type": "startup", "store": "memory", "warning": "volatile store, development only"})
	}

	tokenCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if tokenCache != nil {
		defer tokenCache.Close()
	}

	resolver, err := access.NewResolver(directory)
	if err != nil {
		return err
	}
	tokens, err := qrtoken.NewManager(cfg.QRSecret, "campusgate")
	if err != nil {
		return err
	}
	auditor, err := audit.NewWriter(auditSink)
	if err != nil {
		return err
	}
	feed := stream.New()

	opts := []attendance.Option{attendance.WithFeed(feed)}
	if tokenCache != nil {
		opts = append(opts, attendance.WithTokenCache(tokenCache))
	}
	svc, err := attendance.NewService(store, directory, resolver, tokens, auditor, opts...)
	if err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Options{
		Service:       svc,
		Feed:          feed,
		AuthSecret:    cfg.AuthSecret,
		Ready:         ready,
		RatePerSecond: cfg.RatePerSecond,
		RateBurst:     cfg.RateBurst,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		Version:       cfg.Version,
		Commit:        cfg.Commit,
	})
	if err != nil {
		return err
	}
	defer api.Close()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		obs.LogEvent(map[string]any{"type": "startup", "addr": cfg.Addr, "version": cfg.Version})
		obs.SetReady(true)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	obs.SetReady(false)
	obs.LogEvent(map[string]any{"type": "shutdown", "grace": cfg.ShutdownGrace.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// seedDev registers the development campuses the in-memory store starts
// with, mirroring migrations/seed.sql.
func seedDev(dir *campus.InMemoryDirectory) {
	mainLat, mainLon := 9.7870, 125.4905
	mainCfg := campus.DefaultConfig("snsu-main")
	mainCfg.MultiCampusEventsEnabled = true
	mainCfg.CrossCampusAttendanceEnabled = true
	dir.Put(campus.Campus{
		ID: "snsu-main", Name: "Main Campus", Code: "MAIN", Active: true,
		Latitude: &mainLat, Longitude: &mainLon, Timezone: "Asia/Manila",
	}, mainCfg)

	dcLat, dcLon := 9.8690, 125.9670
	dcCfg := campus.DefaultConfig("snsu-del-carmen")
	dcCfg.GPSValidationEnabled = false
	dir.Put(campus.Campus{
		ID: "snsu-del-carmen", Name: "Del Carmen Campus", Code: "DC", Active: true,
		Latitude: &dcLat, Longitude: &dcLon, Timezone: "Asia/Manila",
	}, dcCfg)
}
