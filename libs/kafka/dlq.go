package kafka

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const HeaderDLQReason = "dlq_reason"

type DeadLetter struct {
	OriginalTopic string            `json:"original_topic"`
	Key           string            `json:"key,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Error         string            `json:"error"`
	Reason        string            `json:"reason"`
	Payload       string            `json:"payload_base64"`
	FailedAt      time.Time         `json:"failed_at"`
}

func NewDeadLetter(msg Message, err error, reason string, at time.Time) DeadLetter {
	payload := ""
	if msg.Value != nil {
		raw, marshalErr := json.Marshal(msg.Value)
		if marshalErr != nil {
			raw = []byte(fmt.Sprintf("%v", msg.Value))
		}
		payload = base64.StdEncoding.EncodeToString(raw)
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	return DeadLetter{
		OriginalTopic: msg.Topic,
		Key:           msg.Key,
		Headers:       msg.Headers,
		Error:         errMsg,
		Reason:        reason,
		Payload:       payload,
		FailedAt:      at.UTC(),
	}
}

// DLQPublisher forwards messages the primary publisher rejected to a
// dead-letter topic. The primary error is still returned to the caller.
type DLQPublisher struct {
	primary  Publisher
	dlq      Publisher
	dlqTopic string
	logger   *slog.Logger
	now      func() time.Time
}

func NewDLQPublisher(primary, dlq Publisher, dlqTopic string, logger *slog.Logger) *DLQPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQPublisher{
		primary:  primary,
		dlq:      dlq,
		dlqTopic: dlqTopic,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *DLQPublisher) Publish(ctx context.Context, msg Message) (Delivery, error) {
	if p == nil || p.primary == nil {
		return Delivery{}, errors.New("kafka producer not configured")
	}
	delivery, err := p.primary.Publish(ctx, msg)
	if err == nil || p.dlq == nil || p.dlqTopic == "" {
		return delivery, err
	}
	// A cancelled caller still gets its event parked.
	reason := "publish_failed"
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		reason = "publish_timeout"
		ctx = context.WithoutCancel(ctx)
	}

	letter := Message{
		Topic:   p.dlqTopic,
		Key:     msg.Key,
		Headers: map[string]string{HeaderDLQReason: reason},
		Value:   NewDeadLetter(msg, err, reason, p.now()),
	}
	if _, dlqErr := p.dlq.Publish(ctx, letter); dlqErr != nil {
		p.logger.Error("publish dlq failed", "topic", p.dlqTopic, "original_topic", msg.Topic, "error", dlqErr)
	}
	return delivery, err
}

func (p *DLQPublisher) Close() error {
	if p == nil || p.primary == nil {
		return nil
	}
	return p.primary.Close()
}
