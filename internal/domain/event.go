package domain

import (
	"context"
	"time"
)

// EventType names an outbound lifecycle event.
type EventType string

const (
	EventMarketActivated EventType = "market.activated"
	EventMarketClosed    EventType = "market.closed"
	EventMarketResolved  EventType = "market.resolved"
	EventPositionSettled EventType = "position.settled"
)

// Event is a fire-and-forget notification for downstream consumers.
type Event struct {
	Type     EventType         `json:"type"`
	MarketID string            `json:"market_id"`
	UserID   string            `json:"user_id,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	At       time.Time         `json:"at"`
}

// EventSink receives lifecycle events. Delivery is best effort.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}
