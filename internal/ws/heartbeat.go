package ws

import (
	"context"
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// connection, closes the stale ones and refreshes the online records of the
// users still connected. The goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				alive := checkConnections(server, config)
				refreshDirectory(server, alive)
			}
		}
	}()
}

// checkConnections removes connections with no frame read within
// Interval + Timeout and sends a protocol-level ping to all others. It
// returns the user ids of the connections that were pinged.
func checkConnections(server *Server, config HeartbeatConfig) []string {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	conns := server.Connections().All()
	alive := make([]string, 0, len(conns))
	for _, c := range conns {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Printf("ws: heartbeat timeout user=%s last_activity=%s ago",
				c.UserID, idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed user=%s: %v", c.UserID, err)
			server.RemoveConnection(c)
			continue
		}
		alive = append(alive, c.UserID)
	}
	return alive
}

func refreshDirectory(server *Server, userIDs []string) {
	if server.directory == nil || len(userIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.directory.Refresh(ctx, userIDs); err != nil {
		log.Printf("ws: directory refresh failed users=%d: %v", len(userIDs), err)
	}
}
