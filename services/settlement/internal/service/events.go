package service

import (
	"context"
	"time"

	"github.com/nminh2209/tradesim/libs/kafka"
)

const (
	EventTypeTradeSettled    = "trade.settled"
	EventVersionTradeSettled = 1

	publishTimeout = 2 * time.Second
)

type SettlementEvent struct {
	kafka.Envelope
	TransactionID  string `json:"transaction_id"`
	UserID         string `json:"user_id"`
	AssetID        string `json:"asset_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Price          string `json:"price"`
	Volume         int64  `json:"volume"`
	Balance        string `json:"balance"`
	PositionVolume int64  `json:"position_volume"`
}

func newSettlementEvent(res *SettlementResult, correlationID string) (SettlementEvent, error) {
	txn := res.Transaction
	env, err := kafka.NewEnvelope(txn.ID.String(), EventTypeTradeSettled, EventVersionTradeSettled, correlationID, txn.CreatedAt)
	if err != nil {
		return SettlementEvent{}, err
	}
	event := SettlementEvent{
		Envelope:      env,
		TransactionID: txn.ID.String(),
		UserID:        txn.UserID.String(),
		AssetID:       txn.AssetID.String(),
		Symbol:        res.Symbol,
		Side:          txn.Side,
		Price:         txn.Price.String(),
		Volume:        txn.Volume,
		Balance:       res.Balance.String(),
	}
	if res.Position != nil {
		event.PositionVolume = res.Position.Volume
	}
	return event, nil
}

// publish runs after commit. Its outcome never changes the settlement result.
func (s *SettlementService) publish(ctx context.Context, req TradeRequest, res *SettlementResult) {
	if s.publisher == nil {
		return
	}
	event, err := newSettlementEvent(res, req.CorrelationID)
	if err != nil {
		s.metrics.incEvent("invalid")
		s.logger.ErrorContext(ctx, "build settlement event failed", "transaction_id", res.Transaction.ID.String(), "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	msg := kafka.Message{
		Topic:   s.topic,
		Key:     event.UserID,
		Headers: event.Envelope.Headers(),
		Value:   event,
	}
	if _, err := s.publisher.Publish(pubCtx, msg); err != nil {
		s.metrics.incEvent("error")
		s.logger.ErrorContext(ctx, "publish settlement event failed",
			"topic", s.topic,
			"transaction_id", event.TransactionID,
			"error", err,
		)
		return
	}
	s.metrics.incEvent("success")
}
