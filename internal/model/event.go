package model

import "github.com/shopspring/decimal"

// EventType names a state change published after a successful commit.
type EventType string

const (
	EventMarketCreated       EventType = "market_created"
	EventMarketConfigUpdated EventType = "market_config_updated"
	EventLiquidityAdded      EventType = "liquidity_added"
	EventLiquidityRemoved    EventType = "liquidity_removed"
	EventOrderCreated        EventType = "order_created"
	EventOrderUpdated        EventType = "order_updated"
	EventOrderCancelled      EventType = "order_cancelled"
	EventOrderExecuted       EventType = "order_executed"
	EventPositionIncreased   EventType = "position_increased"
	EventPositionDecreased   EventType = "position_decreased"
	EventPositionLiquidated  EventType = "position_liquidated"
	EventDeposit             EventType = "deposit"
	EventWithdrawal          EventType = "withdrawal"
)

// Event is one record of the post-commit event stream.
type Event struct {
	Type    EventType       `json:"type"`
	Market  string          `json:"market,omitempty"`
	Account string          `json:"account,omitempty"`
	Key     string          `json:"key,omitempty"`
	IsLong  *bool           `json:"is_long,omitempty"`
	Price   decimal.Decimal `json:"price"`
	Amount  decimal.Decimal `json:"amount"` // size delta, shares, or payout depending on Type
	Time    int64           `json:"time"`
}
