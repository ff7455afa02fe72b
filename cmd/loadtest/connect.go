package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/whisper/livesession/internal/loadtest"
)

// commonFlags are shared by every scenario.
type commonFlags struct {
	url         *string
	secret      *string
	issuer      *string
	sessions    *int
	prefix      *string
	rampUp      *time.Duration
	concurrency *int
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	secret := os.Getenv("LIVESESSION_JWT_SECRET")
	return commonFlags{
		url:         fs.String("url", "ws://localhost:8080/ws", "gateway base URL; the session id is appended"),
		secret:      fs.String("secret", secret, "JWT secret of the server under test"),
		issuer:      fs.String("issuer", os.Getenv("LIVESESSION_JWT_ISSUER"), "JWT issuer of the server under test"),
		sessions:    fs.Int("sessions", 10, "number of sessions to spread clients over"),
		prefix:      fs.String("prefix", "load", "session id prefix"),
		rampUp:      fs.Duration("ramp", 10*time.Second, "ramp-up duration"),
		concurrency: fs.Int("concurrency", 50, "maximum simultaneous connection attempts"),
	}
}

func (f commonFlags) sessionID(i int) string {
	return fmt.Sprintf("%s-%d", *f.prefix, i%*f.sessions)
}

// connectAll opens n clients, client i in session f.sessionID(i), pacing
// launches over the ramp-up period. setup runs on each client before it
// joins so handlers see every event. It returns the clients that joined.
func connectAll(ctx context.Context, f commonFlags, n int, collector *loadtest.Collector, setup func(i int, c *loadtest.Client)) ([]*loadtest.Client, bool) {
	minter := loadtest.NewMinter(*f.secret, *f.issuer, 24*time.Hour)

	interval := *f.rampUp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*loadtest.Client, 0, n)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, *f.concurrency)
	)

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d\n",
					collector.ConnectionCount(), n, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			who := loadtest.Participant(i)
			target, err := minter.URL(*f.url, f.sessionID(i), who)
			if err != nil {
				collector.AddError()
				return
			}
			c, err := loadtest.Dial(connCtx, target, who)
			if err != nil {
				collector.AddError()
				return
			}
			if setup != nil {
				setup(i, c)
			}
			if _, err := c.Join(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()
	return clients, interrupted
}

func closeAll(clients []*loadtest.Client, collector *loadtest.Collector) {
	fmt.Printf("\nClosing %d connections...\n", len(clients))
	for _, c := range clients {
		collector.AddRejections(c.Metrics().Rejections)
		c.Close()
	}
}
