package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

// Message is one JSON record. Value is marshalled by the publisher.
type Message struct {
	Topic   string
	Key     string
	Headers map[string]string
	Value   any
}

type Delivery struct {
	Partition int32
	Offset    int64
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) (Delivery, error)
	Close() error
}

var ErrNoBrokers = errors.New("kafka brokers required")

type ProducerMetrics struct {
	PublishTotal   *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
	PayloadBytes   prometheus.Histogram
}

func NewProducerMetrics(registry *prometheus.Registry) *ProducerMetrics {
	m := &ProducerMetrics{
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_publish_total",
				Help: "Kafka publish attempts by topic and status.",
			},
			[]string{"topic", "status"},
		),
		PublishLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_publish_latency_seconds",
				Help:    "Kafka publish latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		PayloadBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kafka_publish_payload_bytes",
				Help:    "Size of published record values.",
				Buckets: prometheus.ExponentialBuckets(128, 2, 8),
			},
		),
	}

	registry.MustRegister(m.PublishTotal, m.PublishLatency, m.PayloadBytes)
	return m
}

// NopPublisher drops every message. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Message) (Delivery, error) { return Delivery{}, nil }

func (NopPublisher) Close() error { return nil }

type ProducerConfig struct {
	Brokers  []string
	ClientID string
}

// NewSaramaConfig returns idempotent producer settings. Keys are hashed so all
// events of one user land on the same partition in order.
func NewSaramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	if clientID != "" {
		cfg.ClientID = clientID
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	return cfg
}

type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewSyncProducer(cfg ProducerConfig, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return WrapSyncProducer(producer, logger, metrics), nil
}

// WrapSyncProducer adapts an existing sarama producer, e.g. sarama/mocks in tests.
func WrapSyncProducer(producer sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *SyncProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncProducer{
		producer: producer,
		logger:   logger,
		metrics:  metrics,
	}
}

func (p *SyncProducer) Publish(ctx context.Context, msg Message) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	if msg.Topic == "" {
		return Delivery{}, errors.New("kafka topic required")
	}

	payload, err := json.Marshal(msg.Value)
	if err != nil {
		return Delivery{}, fmt.Errorf("marshal kafka payload: %w", err)
	}

	record := &sarama.ProducerMessage{
		Topic:   msg.Topic,
		Value:   sarama.ByteEncoder(payload),
		Headers: recordHeaders(msg.Headers),
	}
	if msg.Key != "" {
		record.Key = sarama.StringEncoder(msg.Key)
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(record)
	p.observe(msg.Topic, len(payload), time.Since(start), err)
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", msg.Topic, "key", msg.Key, "error", err)
		return Delivery{}, fmt.Errorf("kafka publish failed: %w", err)
	}

	return Delivery{Partition: partition, Offset: offset}, nil
}

func (p *SyncProducer) observe(topic string, size int, elapsed time.Duration, err error) {
	if p.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.PublishTotal.WithLabelValues(topic, status).Inc()
	p.metrics.PublishLatency.WithLabelValues(topic).Observe(elapsed.Seconds())
	p.metrics.PayloadBytes.Observe(float64(size))
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(headers[k])})
	}
	return out
}
