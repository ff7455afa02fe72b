package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/livesession/internal/loadtest"
)

// runSaturate opens idle connections, holds them, and reports how many the
// server dropped.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	common := registerCommon(fs)
	connections := fs.Int("connections", 1000, "number of connections to open")
	hold := fs.Duration("hold", 30*time.Second, "how long to hold the connections open")
	fs.Parse(args)
	if *connections <= 0 || *common.sessions <= 0 {
		fmt.Fprintln(os.Stderr, "connections and sessions must be positive")
		os.Exit(2)
	}

	fmt.Printf("Saturate test: %d connections over %d sessions to %s (ramp=%s, hold=%s)\n",
		*connections, *common.sessions, *common.url, *common.rampUp, *hold)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	fmt.Println("\n--- Ramp-up phase ---")
	clients, interrupted := connectAll(ctx, common, *connections, collector, nil)
	fmt.Printf("\nRamp-up complete: %d/%d connections (%d errors)\n",
		len(clients), *connections, collector.ErrorCount())

	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				fmt.Printf("  [hold] alive: %d/%d\n", alive(clients), len(clients))
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
	}

	if d := len(clients) - alive(clients); d > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", d)
	}
	closeAll(clients, collector)
	collector.Report(os.Stdout)
}

func alive(clients []*loadtest.Client) int {
	n := 0
	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			n++
		}
	}
	return n
}
