package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
)

// Order is a resting limit order. Remaining never grows while the order
// rests, and an order with zero remaining is removed from the book.
type Order struct {
	ID            string
	MarketID      string
	UserID        string
	Owner         string // wallet that owns the on-ledger order account
	Side          OrderSide
	Outcome       Outcome
	PriceTicks    int64 // ShareScale
	Size          int64 // ShareScale
	Remaining     int64 // ShareScale
	Status        OrderStatus
	ClientOrderID *uint64 // on-ledger order handle, nil for off-ledger orders
	LedgerClosed  bool
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}

// OnLedger reports whether the order has an on-ledger escrow account.
func (o Order) OnLedger() bool {
	return o.ClientOrderID != nil && o.Owner != ""
}
