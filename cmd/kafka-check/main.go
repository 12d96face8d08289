package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"citation-linker/common"
)

func main() {
	broker := common.GetEnv("KAFKA_BROKER", "localhost:9092")
	attemptsTopic := common.GetEnv("KAFKA_ATTEMPTS_TOPIC", "citationlinker.attempts")
	linksTopic := common.GetEnv("KAFKA_LINKS_TOPIC", "citationlinker.links")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to Kafka at %s: %v\n", broker, err)
		os.Exit(1)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(attemptsTopic, linksTopic)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read metadata: %v\n", err)
		os.Exit(1)
	}

	counts := make(map[string]int)
	for _, p := range partitions {
		counts[p.Topic]++
	}

	fmt.Printf("connected to Kafka at %s\n", broker)
	missing := false
	for _, topic := range []string{attemptsTopic, linksTopic} {
		if counts[topic] == 0 {
			fmt.Printf("topic %s: missing\n", topic)
			missing = true
			continue
		}
		fmt.Printf("topic %s: %d partitions\n", topic, counts[topic])
	}
	if missing {
		os.Exit(1)
	}
}
