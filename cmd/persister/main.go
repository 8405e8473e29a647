package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"

	"github.com/parley/chat-app/internal/config"
	"github.com/parley/chat-app/internal/durability"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/store"
)

func main() {
	cfg, err := config.LoadPersister()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("Parley persister starting")
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  consumer_group:  %s", cfg.Consumer.Group)
	log.Printf("  consumer_name:   %s", cfg.Consumer.Name)
	log.Printf("  streams:         %v", cfg.Consumer.Streams)
	log.Printf("  metrics_addr:    %s", cfg.MetricsAddr)

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("[persister] migrate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[persister] %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("[persister] failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}

	consumer := durability.NewConsumer(rdb, store.NewStore(db), cfg.Consumer)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[persister] metrics server: %v", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("[persister] consumer stopped: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"persister": func(shutdownCtx context.Context) error {
				log.Println("[persister] graceful shutdown initiated...")
				cancel()
				if metricsServer != nil {
					_ = metricsServer.Shutdown(shutdownCtx)
				}
				select {
				case <-done:
				case <-shutdownCtx.Done():
					log.Printf("[persister] consumer did not stop in time")
				}
				if err := rdb.Close(); err != nil {
					log.Printf("[persister] redis close: %v", err)
				}
				return db.Close()
			},
		},
	)

	exitCode := <-wait
	log.Printf("persister exited with code: %d", exitCode)
	os.Exit(exitCode)
}
