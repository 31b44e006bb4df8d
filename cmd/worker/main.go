// Worker consumes agent diagnostics from Kafka and pushes them to Loki.
// Set KAFKA_BROKERS, DIAGNOSTICS_KAFKA_TOPIC, KAFKA_GROUP_ID, and LOKI_URL.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"linkless/agent/internal/config"
	"linkless/agent/internal/telemetry/loki"
)

const pushTimeout = 10 * time.Second

// messageReader is the subset of *kafka.Reader the worker uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// entryPusher is satisfied by *loki.Client.
type entryPusher interface {
	PushEntryJSON(ctx context.Context, raw []byte) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		log.Fatal("worker: LOKI_URL is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.DiagnosticsKafkaTopic,
		GroupID:        cfg.KafkaGroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker: consuming %s (group %s), pushing to %s", cfg.DiagnosticsKafkaTopic, cfg.KafkaGroupID, cfg.LokiURL)
	pushed, failed := consume(ctx, reader, loki.NewClient(cfg.LokiURL))
	log.Printf("worker: stopped (pushed %d, failed %d)", pushed, failed)
}

// consume forwards every message to Loki until ctx is done. Read and push
// failures are logged and skipped; a failed push is not retried.
func consume(ctx context.Context, reader messageReader, pusher entryPusher) (pushed, failed int) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return pushed, failed
			}
			log.Printf("worker: kafka read error: %v", err)
			continue
		}

		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		err = pusher.PushEntryJSON(pushCtx, msg.Value)
		cancel()
		if err != nil {
			failed++
			log.Printf("worker: loki push failed (partition %d offset %d): %v", msg.Partition, msg.Offset, err)
			continue
		}
		pushed++
	}
}
