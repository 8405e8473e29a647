package main

import (
	"context"
	"log"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/config"
	"github.com/parley/chat-app/internal/durability"
	"github.com/parley/chat-app/internal/hub"
	"github.com/parley/chat-app/internal/messaging"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/session"
	"github.com/parley/chat-app/internal/ws"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- NATS ---
	broker, err := messaging.NewBroker(cfg.NATS)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	publisher := messaging.NewPublisher(broker, cfg.Publisher)

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	producer := durability.NewProducer(sessionStore.Client(), cfg.Producer)
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	log.Printf("Parley WebSocket server starting")
	log.Printf("  listen_addr:     %s", cfg.WS.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.WS.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.WS.MaxConnections)
	log.Printf("  read_timeout:    %s", cfg.WS.ReadTimeout)
	log.Printf("  write_timeout:   %s", cfg.WS.WriteTimeout)
	log.Printf("  nats_url:        %s", cfg.NATS.URL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  publish_shards:  %d (queue=%d)", cfg.Publisher.Shards, cfg.Publisher.QueueSize)
	log.Printf("  durability:      queue=%d maxlen=%d", cfg.Producer.QueueSize, cfg.Producer.MaxLen)
	log.Printf("  chat_rate:       %d per %s", cfg.WS.ChatRule.Limit, cfg.WS.ChatRule.Window)
	log.Printf("  connect_rate:    %d per %s", cfg.WS.ConnectRule.Limit, cfg.WS.ConnectRule.Window)

	hubCfg := hub.DefaultConfig()
	hubCfg.Origin = cfg.ServerName
	h := hub.New(hubCfg, broker, publisher, producer, sessionStore)
	broker.SetHandler(h.OnBroadcast)
	log.Printf("  origin:          %s", h.Origin())

	server := ws.NewServer(cfg.WS, h, auth.NewVerifier(cfg.SecretKey), limiter, sessionStore)
	server.SetBroker(broker)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Sockets close first so no frame is dispatched into a closed publisher
	// or producer; Redis goes last because the producer drains into it.
	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"wsserver": func(ctx context.Context) error {
				log.Println("graceful shutdown initiated...")
				if err := server.Shutdown(ctx); err != nil {
					log.Printf("shutdown error: %v", err)
				}
				publisher.Close()
				broker.Close()
				producer.Close()
				return sessionStore.Close()
			},
		},
	)

	exitCode := <-wait
	log.Printf("wsserver exited with code: %d", exitCode)
	os.Exit(exitCode)
}
