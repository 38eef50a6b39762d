package kafka

import (
	"errors"
	"strconv"
	"time"
)

const (
	HeaderEventType     = "event_type"
	HeaderEventVersion  = "event_version"
	HeaderCorrelationID = "correlation_id"
)

// Envelope is embedded at the top level of every published event.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventID, eventType string, version int, correlationID string, at time.Time) (Envelope, error) {
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     at.UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	var errs []error
	if e.EventID == "" {
		errs = append(errs, errors.New("event_id is required"))
	}
	if e.EventType == "" {
		errs = append(errs, errors.New("event_type is required"))
	}
	if e.EventVersion <= 0 {
		errs = append(errs, errors.New("event_version must be positive"))
	}
	if e.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	return errors.Join(errs...)
}

// Headers mirrors the envelope into record headers so consumers can route
// without decoding the payload.
func (e Envelope) Headers() map[string]string {
	h := map[string]string{
		HeaderEventType:    e.EventType,
		HeaderEventVersion: strconv.Itoa(e.EventVersion),
	}
	if e.CorrelationID != "" {
		h[HeaderCorrelationID] = e.CorrelationID
	}
	return h
}
