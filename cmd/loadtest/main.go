// Package main is the load test binary for the chat server. It provides
// subcommands for different load testing scenarios:
//
//   - saturate: open N idle authenticated connections and hold them
//   - rooms:    spread users over rooms and exchange chat messages
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/loadtest/client"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "rooms":
		runRooms(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N idle connections")
	fmt.Println("  rooms       Room traffic test: users join rooms and exchange chat messages")
	fmt.Println()
	fmt.Println("Tokens are signed with -secret (default $SECRET_KEY).")
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// tokenSource signs one token per simulated user.
type tokenSource struct {
	verifier *auth.Verifier
	prefix   string
}

func newTokenSource(secret, prefix string) *tokenSource {
	return &tokenSource{verifier: auth.NewVerifier(secret), prefix: prefix}
}

func (ts *tokenSource) token(n int) (string, error) {
	return ts.verifier.Issue(fmt.Sprintf("%s-%d", ts.prefix, n), time.Hour)
}

func defaultSecret() string {
	return os.Getenv("SECRET_KEY")
}

func cleanup(clients []*client.Client, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("\nClosing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
