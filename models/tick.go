package models

import "time"

// DepthLevel is one price/quantity pair at a given rank on one side of the
// order book. A price of exactly 0 is the feed's sentinel for "no quote at
// this level".
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
}

// MarketDepth carries the order book sides as delivered by the feed, up to
// five levels each.
type MarketDepth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// Tick is one decoded market-data update for a single instrument. Ticks are
// immutable once received; a newer tick for the same token fully replaces
// the cached one, there is no field-level merge.
type Tick struct {
	Token             uint32      `json:"token"`
	LastPrice         float64     `json:"last_price"`
	LastQuantity      int64       `json:"last_quantity"`
	ExchangeTimestamp time.Time   `json:"exchange_timestamp"`
	Depth             MarketDepth `json:"depth"`
}

// HasExchangeTimestamp reports whether the feed supplied its own timestamp
// for this tick. A zero time means the receiver should fall back to wall
// clock.
func (t Tick) HasExchangeTimestamp() bool {
	return !t.ExchangeTimestamp.IsZero()
}
