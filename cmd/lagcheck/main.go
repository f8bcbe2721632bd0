package main

import (
	"EventPulse/internal/collector"
	"EventPulse/internal/config"
	"EventPulse/pkg/kafka"
	"context"
	"flag"
	"fmt"
	"go.uber.org/zap"
	"os"
	"time"
)

func main() {
	var path, brokers, group string
	var timeout time.Duration

	flag.StringVar(&path, "config", "", "Path to the YAML config file")
	flag.StringVar(&brokers, "brokers", "", "Kafka broker addresses (overrides kafka.brokers)")
	flag.StringVar(&group, "group", "", "Consumer group to inspect (defaults to kafka.group_id)")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Overall request timeout")
	flag.Parse()

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(2)
	}
	if brokers != "" {
		cfg.Kafka.Brokers = brokers
	}
	if group == "" {
		group = cfg.Kafka.GroupID
	}

	client, err := kafka.NewClient(cfg.Kafka)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	lags, err := collector.New(client, group, zap.NewNop().Sugar()).Collect(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error collecting lag for group %s: %v\n", group, err)
		os.Exit(1)
	}

	if len(lags) == 0 {
		fmt.Printf("No committed partitions for group %s\n", group)
		return
	}

	fmt.Printf("%-35s %-25s %-10s %-15s %-15s %-10s\n", "GROUP", "TOPIC", "PARTITION", "LOGEND", "COMMITTED", "LAG")
	fmt.Println("------------------------------------------------------------------------------------------------")

	var total int64
	for _, l := range lags {
		total += l.Lag
		if l.Committed < 0 {
			fmt.Printf("%-35s %-25s %-10d %-15d %-15s %-10d\n", group, l.Topic, l.Partition, l.LogEnd, "NO_COMMIT", l.Lag)
			continue
		}
		fmt.Printf("%-35s %-25s %-10d %-15d %-15d %-10d\n", group, l.Topic, l.Partition, l.LogEnd, l.Committed, l.Lag)
	}
	fmt.Printf("\nTotal lag: %d\n", total)
}
