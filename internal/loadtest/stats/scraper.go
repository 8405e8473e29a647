package stats

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the tracked server metrics at a point in time.
type metricSnapshot struct {
	timestamp      time.Time
	connections    float64
	rooms          float64
	received       float64
	delivered      float64
	blocked        float64
	publishDropped float64
	latencySum     float64
	latencyCount   float64
}

// Scraper periodically fetches the server's Prometheus metrics during a load
// test and records snapshots for the report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be ready yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(bufio.NewScanner(resp.Body))
	if err != nil {
		return
	}

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func parseSnapshot(scanner *bufio.Scanner) (metricSnapshot, error) {
	snap := metricSnapshot{timestamp: time.Now()}

	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "parley_connections_total":
			snap.connections = value
		case "parley_rooms_active":
			snap.rooms = value
		case "parley_messages_total":
			switch labels {
			case `type="received"`:
				snap.received = value
			case `type="delivered"`:
				snap.delivered = value
			case `type="blocked"`:
				snap.blocked = value
			}
		case "parley_publish_dropped_total":
			snap.publishDropped = value
		case "parley_dispatch_latency_seconds_sum":
			snap.latencySum = value
		case "parley_dispatch_latency_seconds_count":
			snap.latencyCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a Prometheus text exposition line into the metric
// name, the raw label set without braces, and the value.
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	raw := line
	if open := strings.IndexByte(raw, '{'); open != -1 {
		closing := strings.IndexByte(raw[open:], '}')
		if closing == -1 {
			return "", "", 0, false
		}
		name = raw[:open]
		labels = raw[open+1 : open+closing]
		raw = name + raw[open+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report prints the initial, final, delta and peak value of each tracked
// server metric.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	type row struct {
		label   string
		extract func(metricSnapshot) float64
	}
	rows := []row{
		{"Connections", func(s metricSnapshot) float64 { return s.connections }},
		{"Active Rooms", func(s metricSnapshot) float64 { return s.rooms }},
		{"Received", func(s metricSnapshot) float64 { return s.received }},
		{"Delivered", func(s metricSnapshot) float64 { return s.delivered }},
		{"Blocked", func(s metricSnapshot) float64 { return s.blocked }},
		{"Publish Dropped", func(s metricSnapshot) float64 { return s.publishDropped }},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peakValue(snaps, r.extract))
	}

	fmt.Println()
	deltaSum := last.latencySum - first.latencySum
	deltaCount := last.latencyCount - first.latencyCount
	if deltaCount > 0 {
		fmt.Printf("  %-16s avg: %.6fs  (%.0f observations)\n", "Dispatch", deltaSum/deltaCount, deltaCount)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Dispatch")
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
