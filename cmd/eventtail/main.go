// Command eventtail prints the live session events published to NATS, for
// one session or for all of them.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/livesession/internal/messaging"
	"github.com/whisper/livesession/internal/protocol"
)

func main() {
	sessionID := flag.String("session", "", "only show events of this session")
	raw := flag.Bool("raw", false, "print frames as published")
	flag.Parse()

	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("LIVESESSION_NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "livesession-eventtail"

	natsClient, err := messaging.Connect(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	subject := messaging.SubjectAll
	if *sessionID != "" {
		subject = messaging.SessionSubject(*sessionID)
	}

	err = natsClient.Subscribe(subject, func(subj string, data []byte) {
		session, kind, ok := messaging.SessionFromSubject(subj)
		if !ok {
			log.Printf("[eventtail] unexpected subject %s", subj)
			return
		}
		if *raw {
			log.Printf("[eventtail] session=%s %s", session, data)
			return
		}
		ev, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Printf("[eventtail] session=%s kind=%s undecodable: %v", session, kind, err)
			return
		}
		log.Printf("[eventtail] session=%s %s %+v", session, ev.Kind(), ev)
	})
	if err != nil {
		log.Fatalf("failed to subscribe: %v", err)
	}
	log.Printf("tailing %s on %s", subject, natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)
	natsClient.Close()
}
