package snapshot

import (
	"testing"
	"time"

	"optionflow/models"
)

func testBuilder(t *testing.T) *Builder {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return NewBuilder("NSE-FO", loc)
}

func niftyMeta(token uint32, optionType string) models.ContractMeta {
	return models.ContractMeta{
		Token:         token,
		TradingSymbol: "NIFTY24AUG24000" + optionType,
		Underlying:    "NIFTY",
		ExpiryDate:    "2026-08-28",
		Strike:        24000,
		OptionType:    optionType,
		InstrumentID:  "NIFTY_20260828_24000" + optionType,
	}
}

func TestBuildSnapshotEndToEnd(t *testing.T) {
	b := testBuilder(t)

	universe := map[uint32]models.ContractMeta{
		111: niftyMeta(111, "CE"),
		222: niftyMeta(222, "PE"),
	}
	ticks := map[uint32]models.Tick{
		111: {
			Token:     111,
			LastPrice: 120.5,
			Depth: models.MarketDepth{
				Buy:  []models.DepthLevel{{Price: 150, Quantity: 100}},
				Sell: []models.DepthLevel{{Price: 0, Quantity: 0}},
			},
		},
	}
	spots := map[string]float64{"NIFTY": 24010}

	rows := b.BuildSnapshot(ticks, universe, spots, 1700000000000000)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	var ce, pe models.SnapshotRow
	for _, row := range rows {
		switch row.OptionType {
		case "C":
			ce = row
		case "P":
			pe = row
		default:
			t.Fatalf("unexpected option type %q", row.OptionType)
		}
	}

	if ce.BestBidPx == nil || *ce.BestBidPx != 150 {
		t.Fatalf("best bid px: %v", ce.BestBidPx)
	}
	if ce.BestBidSz == nil || *ce.BestBidSz != 100 {
		t.Fatalf("best bid sz: %v", ce.BestBidSz)
	}
	if ce.BestAskPx != nil || ce.BestAskSz != nil {
		t.Fatal("zero-price ask level must normalize to null")
	}
	if ce.MidPx != nil || ce.Spread != nil {
		t.Fatal("mid/spread must be null when only one side is quoted")
	}
	if ce.UnderlyingSpot == nil || *ce.UnderlyingSpot != 24010 {
		t.Fatalf("underlying spot: %v", ce.UnderlyingSpot)
	}
	if ce.LastTradePx == nil || *ce.LastTradePx != 120.5 {
		t.Fatalf("last trade px: %v", ce.LastTradePx)
	}
	if ce.Ts != 1700000000000000 || ce.Venue != "NSE-FO" {
		t.Fatalf("row header fields: ts=%d venue=%q", ce.Ts, ce.Venue)
	}

	// Tickless contract: metadata populated, every price and size null.
	if pe.InstrumentID != "NIFTY_20260828_24000PE" || pe.Strike != 24000 || pe.ExpiryDate != "2026-08-28" {
		t.Fatalf("tickless metadata: %+v", pe)
	}
	for i, v := range []*float64{pe.BestBidPx, pe.BestAskPx, pe.MidPx, pe.Spread, pe.LastTradePx, pe.BidPx1, pe.BidPx2, pe.BidPx3, pe.AskPx1, pe.AskPx2, pe.AskPx3} {
		if v != nil {
			t.Fatalf("tickless price field %d not null: %v", i, *v)
		}
	}
	for i, v := range []*int64{pe.BestBidSz, pe.BestAskSz, pe.LastTradeSz, pe.BidSz1, pe.BidSz2, pe.BidSz3, pe.AskSz1, pe.AskSz2, pe.AskSz3} {
		if v != nil {
			t.Fatalf("tickless size field %d not null: %v", i, *v)
		}
	}
	if pe.Ts != ce.Ts {
		t.Fatalf("rows in one snapshot must share the timestamp: %d vs %d", pe.Ts, ce.Ts)
	}
	if pe.UnderlyingSpot == nil || *pe.UnderlyingSpot != 24010 {
		t.Fatalf("tickless rows still carry the spot: %v", pe.UnderlyingSpot)
	}
}

func TestExtractDepthNormalization(t *testing.T) {
	levels := []models.DepthLevel{
		{Price: 101.5, Quantity: 50},
		{Price: 0, Quantity: 75},
		{Price: 100.5, Quantity: 25},
		{Price: 99, Quantity: 10},
		{Price: 98, Quantity: 5},
	}
	out := extractDepth(levels)

	if out[0].px == nil || *out[0].px != 101.5 || *out[0].sz != 50 {
		t.Fatalf("level 1: %+v", out[0])
	}
	if out[1].px != nil || out[1].sz != nil {
		t.Fatal("zero-price level must map to (null, null), including its quantity")
	}
	if out[2].px == nil || *out[2].px != 100.5 {
		t.Fatalf("level 3: %+v", out[2])
	}

	short := extractDepth([]models.DepthLevel{{Price: 50, Quantity: 1}})
	if short[1].px != nil || short[2].px != nil {
		t.Fatal("levels beyond delivered depth must be null")
	}
}

func TestMidSpreadBothSidesQuoted(t *testing.T) {
	b := testBuilder(t)
	tick := models.Tick{
		Token: 1,
		Depth: models.MarketDepth{
			Buy:  []models.DepthLevel{{Price: 150, Quantity: 10}},
			Sell: []models.DepthLevel{{Price: 151, Quantity: 20}},
		},
	}
	row := b.BuildRow(&tick, niftyMeta(1, "CE"), nil, 1)

	if row.MidPx == nil || *row.MidPx != 150.5 {
		t.Fatalf("mid: %v", row.MidPx)
	}
	if row.Spread == nil || *row.Spread != 1 {
		t.Fatalf("spread: %v", row.Spread)
	}
}

func TestBuildRowTimestampFromTick(t *testing.T) {
	b := testBuilder(t)
	stamp := time.Unix(1722580200, 123456789)
	tick := models.Tick{Token: 1, ExchangeTimestamp: stamp}

	row := b.BuildRow(&tick, niftyMeta(1, "PE"), nil, 0)
	if row.Ts != 1722580200123456 {
		t.Fatalf("expected truncated micros 1722580200123456, got %d", row.Ts)
	}
}

func TestBuildRowWallClockFallback(t *testing.T) {
	b := testBuilder(t)
	before := time.Now().UnixMicro()
	row := b.BuildRow(nil, niftyMeta(1, "CE"), nil, 0)
	after := time.Now().UnixMicro()

	if row.Ts < before || row.Ts > after {
		t.Fatalf("wall-clock ts %d outside [%d, %d]", row.Ts, before, after)
	}
}

func TestBuildSnapshotEmptyCache(t *testing.T) {
	b := testBuilder(t)
	universe := map[uint32]models.ContractMeta{
		1: niftyMeta(1, "CE"),
		2: niftyMeta(2, "PE"),
		3: niftyMeta(3, "CE"),
	}

	rows := b.BuildSnapshot(nil, universe, nil, 42)
	if len(rows) != len(universe) {
		t.Fatalf("expected %d rows, got %d", len(universe), len(rows))
	}
	for _, row := range rows {
		if row.OptionSymbol == "" || row.InstrumentID == "" {
			t.Fatalf("metadata missing on tickless row: %+v", row)
		}
		if row.UnderlyingSpot != nil {
			t.Fatal("spot must be null when no price is known")
		}
	}
}
