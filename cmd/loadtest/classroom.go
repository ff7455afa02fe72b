package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/livesession/internal/loadtest"
	"github.com/whisper/livesession/internal/protocol"
)

// stampPrefix marks load messages so receivers can compute fan-out latency.
const stampPrefix = "lt:"

func stampMessage(at time.Time, payload string) string {
	return stampPrefix + strconv.FormatInt(at.UnixNano(), 10) + ":" + payload
}

func parseStamp(text string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(text, stampPrefix)
	if !ok {
		return time.Time{}, false
	}
	raw, _, ok := strings.Cut(rest, ":")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// runClassroom fills sessions with members that chat on an interval, type
// before sending, and occasionally raise a hand.
func runClassroom(args []string) {
	fs := flag.NewFlagSet("classroom", flag.ExitOnError)
	common := registerCommon(fs)
	members := fs.Int("members", 30, "members per session")
	duration := fs.Duration("duration", 30*time.Second, "how long members chat")
	msgInterval := fs.Duration("msg-interval", 3*time.Second, "interval between messages per member")
	msgSize := fs.Int("msg-size", 64, "payload size of each message in bytes")
	handRatio := fs.Float64("hands", 0.1, "share of members that raise a hand")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus endpoint; empty disables scraping")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "interval between metrics scrapes")
	fs.Parse(args)
	if *msgInterval <= 0 || *members <= 0 || *common.sessions <= 0 {
		fmt.Fprintln(os.Stderr, "members, sessions and msg-interval must be positive")
		os.Exit(2)
	}

	total := *members * *common.sessions
	fmt.Printf("Classroom test: %d sessions x %d members to %s (chat=%s, interval=%s)\n",
		*common.sessions, *members, *common.url, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	var scraper *loadtest.Scraper
	if *metricsURL != "" {
		scraper = loadtest.NewScraper(*metricsURL, *scrapeInterval)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
	}

	var received atomic.Int64
	fmt.Println("\n--- Phase 1: Join ---")
	clients, interrupted := connectAll(ctx, common, total, collector, func(_ int, c *loadtest.Client) {
		self := c.Identity().UserID
		c.On(protocol.TypeChatMessage, func(ev protocol.Outbound) {
			msg := ev.(protocol.ChatMessageEvent)
			if msg.UserID == self {
				return
			}
			received.Add(1)
			if sent, ok := parseStamp(msg.Message); ok {
				collector.AddFanout(time.Since(sent))
			}
		})
	})
	fmt.Printf("\nPhase 1 complete: %d/%d joined (%d errors)\n", len(clients), total, collector.ErrorCount())

	if !interrupted && len(clients) > 0 {
		fmt.Printf("\n--- Phase 2: Chat for %s ---\n", *duration)
		payload := strings.Repeat("x", *msgSize)
		var sent atomic.Int64

		chatCtx, cancel := context.WithTimeout(ctx, *duration)
		var wg sync.WaitGroup
		for _, c := range clients {
			wg.Add(1)
			go func() {
				defer wg.Done()
				runMember(chatCtx, c, *msgInterval, payload, *handRatio, &sent, collector)
			}()
		}

		progress := time.NewTicker(5 * time.Second)
	wait:
		for {
			select {
			case <-chatCtx.Done():
				break wait
			case <-progress.C:
				fmt.Printf("  [chat] sent: %d  received: %d  errors: %d\n",
					sent.Load(), received.Load(), collector.ErrorCount())
			}
		}
		progress.Stop()
		cancel()
		wg.Wait()

		fmt.Printf("\nMessages sent:     %d\n", sent.Load())
		fmt.Printf("Messages received: %d\n", received.Load())
		if s := duration.Seconds(); s > 0 {
			fmt.Printf("Send throughput:   %.1f msg/s\n", float64(sent.Load())/s)
		}
	}

	closeAll(clients, collector)
	if scraper != nil {
		scraper.Stop()
	}
	collector.Report(os.Stdout)
}

func runMember(ctx context.Context, c *loadtest.Client, interval time.Duration, payload string, handRatio float64, sent *atomic.Int64, collector *loadtest.Collector) {
	// Spread the first send across one interval.
	select {
	case <-time.After(rand.N(interval)):
	case <-ctx.Done():
		return
	}

	if rand.Float64() < handRatio {
		if err := c.Send(protocol.RaiseHand{}); err != nil {
			collector.AddError()
			return
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Send(protocol.TypingStart{}); err != nil {
			collector.AddError()
			return
		}
		if err := c.Send(protocol.ChatMessage{Message: stampMessage(time.Now(), payload)}); err != nil {
			collector.AddError()
			return
		}
		sent.Add(1)

		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
		}
	}
}
