package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

func getSettlementURL() string {
	if url := os.Getenv("SETTLEMENT_URL"); url != "" {
		return strings.TrimRight(url, "/")
	}
	return "http://localhost:3001"
}

func getKafkaBrokers() []string {
	v := os.Getenv("KAFKA_BROKERS")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := normalizeBroker(strings.TrimSpace(part))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeBroker(value string) string {
	if strings.Contains(value, "://") {
		value = strings.SplitN(value, "://", 2)[1]
	}
	return strings.TrimSpace(value)
}

func makeRequest(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reqBody []byte
	if body != nil {
		var err error
		if reqBody, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}

	req, err := http.NewRequest(method, getSettlementURL()+path, bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func waitForReady(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(getSettlementURL() + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("settlement service not ready at %s", getSettlementURL())
}

type eventWatcher struct {
	ch      chan settlementEvent
	closeFn func()
}

func startEventWatcher(t *testing.T, brokers []string, topic string) eventWatcher {
	t.Helper()
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		t.Fatalf("kafka consumer: %v", err)
	}

	partitions, err := consumer.Partitions(topic)
	if err != nil {
		_ = consumer.Close()
		t.Fatalf("partitions: %v", err)
	}

	out := make(chan settlementEvent, 64)
	partitionConsumers := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			t.Fatalf("consume partition: %v", err)
		}
		partitionConsumers = append(partitionConsumers, pc)
		go func(partConsumer sarama.PartitionConsumer) {
			for msg := range partConsumer.Messages() {
				var event settlementEvent
				if err := json.Unmarshal(msg.Value, &event); err != nil {
					continue
				}
				event.Key = string(msg.Key)
				out <- event
			}
		}(pc)
	}

	return eventWatcher{ch: out, closeFn: func() {
		for _, pc := range partitionConsumers {
			_ = pc.Close()
		}
		_ = consumer.Close()
	}}
}

func (w eventWatcher) waitFor(t *testing.T, transactionID string) settlementEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event of transaction %s", transactionID)
		case event := <-w.ch:
			if event.TransactionID == transactionID {
				return event
			}
		}
	}
}
