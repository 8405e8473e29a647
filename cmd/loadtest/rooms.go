package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/parley/chat-app/internal/loadtest/client"
	"github.com/parley/chat-app/internal/loadtest/stats"
)

// runRooms connects users, spreads them round-robin over a set of rooms and
// has every user post to its room at a fixed interval. Latency is measured
// from send until the sender's own copy of the message comes back.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", defaultSecret(), "HMAC secret used to sign user tokens")
	users := fs.Int("users", 200, "Number of simulated users")
	rooms := fs.Int("rooms", 20, "Number of rooms the users are spread over")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long users keep chatting")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	if *rooms < 1 {
		*rooms = 1
	}

	fmt.Printf("Rooms test: %d users over %d rooms to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*users, *rooms, *url, *rampUp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokens := newTokenSource(*secret, "rooms")
	collector := stats.NewCollector()

	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *users)

	fmt.Println("\n--- Phase 1: Connect and join ---")
	interrupted := connectAll(ctx, *url, tokens, *users, *rampUp, *concurrency, collector,
		func(c *client.Client) {
			c.OnEcho(collector.AddEchoLatency)
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		})

	if interrupted {
		fmt.Println("Interrupted, skipping chat phase.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	mu.Lock()
	joined := make([]*client.Client, len(clients))
	copy(joined, clients)
	mu.Unlock()

	for i, c := range joined {
		if err := c.Join(roomName(i % *rooms)); err != nil {
			collector.AddError()
		}
	}
	fmt.Printf("Phase 1 complete: %d users joined %d rooms\n", len(joined), *rooms)

	fmt.Printf("\n--- Phase 2: Chat for %s ---\n", *duration)
	chatCtx, chatCancel := context.WithTimeout(ctx, *duration)
	defer chatCancel()

	payload := strings.Repeat("x", *msgSize)
	var wg sync.WaitGroup
	for i, c := range joined {
		wg.Add(1)
		go func(roomID string, c *client.Client) {
			defer wg.Done()
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			for {
				select {
				case <-chatCtx.Done():
					return
				case <-ticker.C:
					if err := c.Chat(roomID, payload); err != nil {
						collector.AddError()
						return
					}
				}
			}
		}(roomName(i%*rooms), c)
	}

	progress := time.NewTicker(5 * time.Second)
progressLoop:
	for {
		select {
		case <-chatCtx.Done():
			break progressLoop
		case <-progress.C:
			fmt.Printf("  [chat] echoes: %d  errors: %d\n", collector.EchoCount(), collector.ErrorCount())
		}
	}
	progress.Stop()
	wg.Wait()

	// Let in-flight echoes arrive before closing.
	time.Sleep(500 * time.Millisecond)

	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

func roomName(n int) string {
	return fmt.Sprintf("load-%d", n)
}
