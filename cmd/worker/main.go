// Worker ships quiz lifecycle events from the Kafka topic quizd produces to into Loki.
// Needs KAFKA_BROKERS and LOKI_URL; TELEMETRY_KAFKA_TOPIC and KAFKA_GROUP_ID fall back to config defaults.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"geo-quiz/client/internal/config"
	"geo-quiz/client/internal/telemetry/loki"
)

const (
	pushTimeout  = 10 * time.Second
	readBackoff  = time.Second
	lokiTimeout  = 10 * time.Second
	maxBatchSize = 10e6
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	brokers := cfg.TelemetryKafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		log.Fatal("worker: LOKI_URL is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.TelemetryKafkaTopic,
		GroupID:        cfg.KafkaGroupID,
		MinBytes:       1,
		MaxBytes:       maxBatchSize,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("worker: %s (group %s) -> %s", cfg.TelemetryKafkaTopic, cfg.KafkaGroupID, cfg.LokiURL)
	st := run(ctx, reader, loki.NewClient(cfg.LokiURL, &http.Client{Timeout: lokiTimeout}))
	log.Printf("worker: stopped after %d event(s), %d push failure(s)", st.pushed, st.failed)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type eventPusher interface {
	PushEventJSON(ctx context.Context, rawJSON []byte) error
}

type stats struct {
	pushed int
	failed int
}

// run forwards messages until ctx is cancelled. A failed push is logged and the message is not
// retried; a read error backs off for readBackoff before the next read.
func run(ctx context.Context, r messageReader, p eventPusher) stats {
	var st stats
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return st
			}
			log.Printf("worker: kafka read: %v", err)
			select {
			case <-ctx.Done():
				return st
			case <-time.After(readBackoff):
			}
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, pushTimeout)
		err = p.PushEventJSON(pctx, msg.Value)
		cancel()
		if err != nil {
			st.failed++
			log.Printf("worker: loki push (offset %d): %v", msg.Offset, err)
			continue
		}
		st.pushed++
	}
}
