// Package notify delivers discount notification events to an external sink.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/pricewatch/internal/app/domain/pricehistory"
	"github.com/R3E-Network/pricewatch/pkg/logger"
)

// Event is one discount notification for one subscriber.
type Event struct {
	SubscriberID    string    `json:"subscriber_id"`
	TenantID        string    `json:"tenant_id,omitempty"`
	ItemID          int64     `json:"item_id"`
	ItemName        string    `json:"item_name,omitempty"`
	DiscountPercent int       `json:"discount_percent"`
	Threshold       int       `json:"notify_threshold_percent"`
	FinalPrice      int64     `json:"final_price"`
	InitialPrice    int64     `json:"initial_price"`
	Currency        string    `json:"currency"`
	PriceText       string    `json:"price_text"`
	ObservedAt      time.Time `json:"observed_at"`
}

// EventFromDue builds the event for a due notification.
func EventFromDue(n pricehistory.DueNotification) Event {
	return Event{
		SubscriberID:    n.SubscriberID,
		TenantID:        n.TenantID,
		ItemID:          n.ItemID,
		ItemName:        n.ItemName,
		DiscountPercent: n.DiscountPercent,
		Threshold:       n.NotifyThreshold,
		FinalPrice:      n.FinalPrice,
		InitialPrice:    n.InitialPrice,
		Currency:        n.Currency,
		PriceText:       pricehistory.PriceText(n),
		ObservedAt:      n.ObservedAt,
	}
}

// Sink receives notification events. Deliver is called at most once per
// event per sweep; failures are not retried by the caller.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev Event) error {
	if f == nil {
		return fmt.Errorf("nil sink")
	}
	return f(ctx, ev)
}

// LogSink writes events to the structured log. It is the default when no
// external collaborator is configured.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink returns a LogSink.
func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &LogSink{log: log}
}

func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	s.log.WithFields(logrus.Fields{
		"subscriber_id": ev.SubscriberID,
		"tenant_id":     ev.TenantID,
		"item_id":       ev.ItemID,
		"discount":      ev.DiscountPercent,
	}).Infof("discount notification: %s", ev.PriceText)
	return nil
}
