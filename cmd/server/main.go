package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/funnel-tracker/internal/config"
	"github.com/ignite/funnel-tracker/internal/cooldown"
	"github.com/ignite/funnel-tracker/internal/funnel"
	"github.com/ignite/funnel-tracker/internal/pkg/distlock"
	"github.com/ignite/funnel-tracker/internal/worker"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("database url is required (config database.url or DATABASE_URL)")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("ping database: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Printf("redis unavailable, continuing without cache/queue: %v", err)
			rdb.Close()
			rdb = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := funnel.NewStore(db)
	ledger := cooldown.NewLedger(db, rdb, cfg.Tracking.CooldownWindow(), cfg.Tracking.EvictionHorizon())
	tracker := funnel.NewTracker(store, cfg.Tracking.ReconcileLookback())

	var enqueuer funnel.ReconcileEnqueuer
	if rdb != nil {
		enqueuer = worker.NewEnqueuer(rdb)
	}
	recorder := funnel.NewRecorder(store, ledger, enqueuer)
	recorder.SetMergeAttempts(cfg.Tracking.MergeMaxAttempts)

	lockFactory := func(job string, ttl time.Duration) distlock.Lock {
		return distlock.New(rdb, db, job, ttl)
	}
	eviction := worker.NewEvictionWorker(ledger, lockFactory, cfg.Tracking.EvictionInterval())
	go eviction.Start(ctx)

	var reconciler *worker.ReconcileWorker
	if rdb != nil {
		reconciler = worker.NewReconcileWorker(rdb, tracker)
		reconciler.Start(ctx)
	}

	handler := funnel.NewHandler(recorder, tracker, ledger, store, cfg.CORS.AllowedOrigins)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("funnel tracker listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down funnel tracker...")

	cancel()
	if reconciler != nil {
		reconciler.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	if rdb != nil {
		rdb.Close()
	}
}
