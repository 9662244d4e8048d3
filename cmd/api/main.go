package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quotana.org/internal/config"
	"quotana.org/internal/httpapi"
	"quotana.org/internal/obs"
	"quotana.org/internal/race"
	"quotana.org/internal/schedule"
	"quotana.org/internal/store/pg"
	"quotana.org/internal/stream"
	"quotana.org/internal/sweeper"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Durable store when a DSN is configured; in-memory otherwise, which
	// keeps local runs and demos free of Postgres.
	var (
		store race.Store
		probe httpapi.ReadyProbe
		pgs   *pg.Store
	)
	if cfg.PostgresDSN != "" {
		pgs, err = pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgs
		probe = httpapi.ReadyProbe{DB: pgs.DB()}
	} else {
		log.Println("QUOTANA_PG_DSN not set, using in-memory store")
		store = race.NewInMemory()
	}

	engine := race.NewEngine(store, schedule.Scheduler{}, nil)
	events := stream.New()

	api := httpapi.New(probe, version, engine, events)
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSec)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sweeper.New(engine, events, cfg.SweepInterval).Run(sweepCtx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting quotana-race %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if pgs != nil {
		_ = pgs.Close()
	}
	log.Println("Stopped")
}
