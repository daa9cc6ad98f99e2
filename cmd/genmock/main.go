// Command genmock generates a reproducible fixture of noisy raw observations
// around known site centres, with injected outliers, and optionally publishes
// it to the source topic for local runs.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock/observations.json
//	go run ./cmd/genmock -brokers localhost:9092 -topic raw-transmission-locations
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/tlm-solutions/locations-consensus/internal/domain"
	"github.com/tlm-solutions/locations-consensus/internal/mockdata"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	def := mockdata.DefaultOptions()

	out := flag.String("out", "", "output path for the JSON fixture")
	sitesPath := flag.String("sites", "", "JSON file with site centres (default: built-in Dresden sites)")
	brokers := flag.String("brokers", "", "comma-separated Kafka brokers to publish to")
	topic := flag.String("topic", "raw-transmission-locations", "source topic to publish to")
	seed := flag.Uint64("seed", def.Seed, "random seed")
	perSite := flag.Int("per-site", def.PerSite, "observations per site, outliers included")
	jitter := flag.Float64("jitter", def.Jitter, "maximum regular sample offset in meters")
	outliers := flag.Int("outliers", def.Outliers, "outliers per site")
	outlierDistance := flag.Float64("outlier-distance", def.OutlierDistance, "outlier offset in meters")
	flag.Parse()

	if *out == "" && *brokers == "" {
		flag.Usage()
		return fmt.Errorf("nothing to do: set -out and/or -brokers")
	}

	sites := mockdata.Dresden()
	if *sitesPath != "" {
		data, err := os.ReadFile(*sitesPath)
		if err != nil {
			return fmt.Errorf("read sites: %w", err)
		}
		if err := json.Unmarshal(data, &sites); err != nil {
			return fmt.Errorf("parse sites: %w", err)
		}
	}

	obs, err := mockdata.Generate(sites, mockdata.Options{
		Seed:            *seed,
		PerSite:         *perSite,
		Jitter:          *jitter,
		Outliers:        *outliers,
		OutlierDistance: *outlierDistance,
	})
	if err != nil {
		return err
	}
	log.Printf("generated %d observations for %d sites", len(obs), len(sites))

	if *out != "" {
		data, err := json.MarshalIndent(obs, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal fixture: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		if err := os.WriteFile(*out, append(data, '\n'), 0o644); err != nil { //nolint:gosec // fixture is not sensitive
			return fmt.Errorf("write fixture: %w", err)
		}
		log.Printf("wrote %s", *out)
	}

	if *brokers != "" {
		if err := publish(strings.Split(*brokers, ","), *topic, obs); err != nil {
			return err
		}
	}
	return nil
}

func publish(brokers []string, topic string, obs []domain.RawObservation) error {
	msgs, err := mockdata.Messages(topic, obs)
	if err != nil {
		return err
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	defer w.Close()

	kmsgs := make([]kafkago.Message, len(msgs))
	for i, m := range msgs {
		kmsgs[i] = kafkago.Message{Key: m.Key, Value: m.Value}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.WriteMessages(ctx, kmsgs...); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	log.Printf("published %d messages to %s", len(kmsgs), topic)
	return nil
}
