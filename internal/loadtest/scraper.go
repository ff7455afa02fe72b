package loadtest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked server series at one point in time.
type snapshot struct {
	at            time.Time
	connections   float64
	hubs          float64
	events        float64 // all kinds and results
	rejected      float64 // events with a result other than "accepted"
	dropped       float64
	latencySum    float64
	latencyCount  float64
	publishFailed float64
}

// Scraper periodically fetches the server's Prometheus endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot now and then every interval until ctx ends or Stop
// is called.
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

// Stop ends scraping and waits for the final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.at = time.Now()

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseSnapshot reads the text exposition format.
func parseSnapshot(r io.Reader) (snapshot, error) {
	var snap snapshot
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case "livesession_connections_total":
			snap.connections = value
		case "livesession_active_hubs":
			snap.hubs = value
		case "livesession_events_total":
			snap.events += value
			if !strings.Contains(labels, `result="accepted"`) {
				snap.rejected += value
			}
		case "livesession_dropped_frames_total":
			snap.dropped = value
		case "livesession_event_latency_seconds_sum":
			snap.latencySum += value
		case "livesession_event_latency_seconds_count":
			snap.latencyCount += value
		case "livesession_publish_failures_total":
			snap.publishFailed = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits `name{labels} value` into its parts. labels is
// empty for an unlabeled series.
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		end := strings.LastIndexByte(line, '}')
		if end < open {
			return "", "", 0, false
		}
		name, labels, rest = line[:open], line[open+1:end], line[end+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", "", 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report writes the initial, final, delta and peak of each series to w.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	series := []struct {
		label   string
		extract func(snapshot) float64
	}{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Session Hubs", func(s snapshot) float64 { return s.hubs }},
		{"Events", func(s snapshot) float64 { return s.events }},
		{"Rejected", func(s snapshot) float64 { return s.rejected }},
		{"Dropped Frames", func(s snapshot) float64 { return s.dropped }},
		{"Publish Fails", func(s snapshot) float64 { return s.publishFailed }},
	}
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, m := range series {
		a, b := m.extract(first), m.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n", m.label, a, b, b-a, peak(snaps, m.extract))
	}

	if n := last.latencyCount - first.latencyCount; n > 0 {
		fmt.Fprintf(w, "\n  %-16s avg: %.4fs  (%.0f observations)\n", "Event Latency", (last.latencySum-first.latencySum)/n, n)
	} else {
		fmt.Fprintf(w, "\n  %-16s avg: N/A  (no observations)\n", "Event Latency")
	}
}

func peak(snaps []snapshot, extract func(snapshot) float64) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, extract(s))
	}
	return p
}
