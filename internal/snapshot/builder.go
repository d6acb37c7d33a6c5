package snapshot

import (
	"time"

	"optionflow/models"
)

// depthLevels is the number of book levels per side carried in output rows.
// The feed may deliver more; extra levels are dropped.
const depthLevels = 3

// Builder turns latest ticks plus contract metadata into snapshot rows. It
// holds no mutable state, so one instance is safe for concurrent use.
type Builder struct {
	venue string
	loc   *time.Location
}

// NewBuilder creates a row builder stamping rows with the given venue label.
// The location is used when deriving wall-clock timestamps.
func NewBuilder(venue string, loc *time.Location) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{venue: venue, loc: loc}
}

// TsMicros converts an absolute time to microseconds since the Unix epoch.
// Sub-microsecond precision is truncated, not rounded.
func TsMicros(t time.Time) int64 {
	return t.UnixMicro()
}

// NowMicros returns the current wall clock in epoch microseconds.
func (b *Builder) NowMicros() int64 {
	return TsMicros(time.Now().In(b.loc))
}

// priceQty is one normalized book level. Both fields are nil for an empty
// level.
type priceQty struct {
	px *float64
	sz *int64
}

// extractDepth normalizes one book side to exactly depthLevels entries. A
// level with price 0 is the feed's sentinel for "no quote" and maps to
// (nil, nil), as does any level beyond the delivered depth.
func extractDepth(levels []models.DepthLevel) [depthLevels]priceQty {
	var out [depthLevels]priceQty
	for i := 0; i < depthLevels && i < len(levels); i++ {
		if levels[i].Price == 0 {
			continue
		}
		px := levels[i].Price
		sz := levels[i].Quantity
		out[i] = priceQty{px: &px, sz: &sz}
	}
	return out
}

// BuildRow builds one snapshot row for a contract. A nil tick means no data
// has arrived for the token yet; the row still carries full contract
// metadata with null prices. tsMicros is the capture timestamp; pass 0 to
// derive it from the tick's exchange timestamp, falling back to wall clock.
func (b *Builder) BuildRow(tick *models.Tick, meta models.ContractMeta, spots map[string]float64, tsMicros int64) models.SnapshotRow {
	if tsMicros == 0 {
		if tick != nil && tick.HasExchangeTimestamp() {
			tsMicros = TsMicros(tick.ExchangeTimestamp)
		} else {
			tsMicros = b.NowMicros()
		}
	}

	row := models.SnapshotRow{
		Ts:               tsMicros,
		Venue:            b.venue,
		UnderlyingSymbol: meta.Underlying,
		InstrumentID:     meta.InstrumentID,
		OptionSymbol:     meta.TradingSymbol,
		ExpiryDate:       meta.ExpiryDate,
		Strike:           meta.Strike,
		OptionType:       meta.ShortType(),
	}

	if spot, ok := spots[meta.Underlying]; ok {
		row.UnderlyingSpot = &spot
	}

	// With no tick every price and size field stays null; only contract
	// metadata is populated.
	var bids, asks [depthLevels]priceQty
	if tick != nil {
		bids = extractDepth(tick.Depth.Buy)
		asks = extractDepth(tick.Depth.Sell)

		px := tick.LastPrice
		sz := tick.LastQuantity
		row.LastTradePx = &px
		row.LastTradeSz = &sz
	}

	row.BestBidPx, row.BestBidSz = bids[0].px, bids[0].sz
	row.BestAskPx, row.BestAskSz = asks[0].px, asks[0].sz

	// Mid and spread exist only when both sides are quoted; no partial
	// computation.
	if row.BestBidPx != nil && row.BestAskPx != nil {
		mid := (*row.BestBidPx + *row.BestAskPx) / 2
		spread := *row.BestAskPx - *row.BestBidPx
		row.MidPx = &mid
		row.Spread = &spread
	}

	row.BidPx1, row.BidSz1 = bids[0].px, bids[0].sz
	row.BidPx2, row.BidSz2 = bids[1].px, bids[1].sz
	row.BidPx3, row.BidSz3 = bids[2].px, bids[2].sz
	row.AskPx1, row.AskSz1 = asks[0].px, asks[0].sz
	row.AskPx2, row.AskSz2 = asks[1].px, asks[1].sz
	row.AskPx3, row.AskSz3 = asks[2].px, asks[2].sz

	return row
}

// BuildSnapshot builds one row per universe entry from the latest-tick
// cache. Tokens without a cached tick still produce a row. All rows share
// tsMicros; pass 0 to stamp them with the current wall clock. Row order
// follows map iteration and is not stable.
func (b *Builder) BuildSnapshot(ticks map[uint32]models.Tick, universe map[uint32]models.ContractMeta, spots map[string]float64, tsMicros int64) []models.SnapshotRow {
	if tsMicros == 0 {
		tsMicros = b.NowMicros()
	}

	rows := make([]models.SnapshotRow, 0, len(universe))
	for token, meta := range universe {
		if tick, ok := ticks[token]; ok {
			rows = append(rows, b.BuildRow(&tick, meta, spots, tsMicros))
		} else {
			rows = append(rows, b.BuildRow(nil, meta, spots, tsMicros))
		}
	}
	return rows
}
