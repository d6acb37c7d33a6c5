package models

// Columns is the fixed output schema. Every output file carries exactly one
// header row with these 29 names, in this order.
var Columns = []string{
	"ts", "venue", "underlying_symbol", "underlying_spot",
	"instrument_id", "option_symbol", "expiry_date", "strike", "option_type",
	"best_bid_px", "best_bid_sz", "best_ask_px", "best_ask_sz",
	"mid_px", "spread",
	"last_trade_px", "last_trade_sz",
	"bid_px_1", "bid_sz_1", "bid_px_2", "bid_sz_2", "bid_px_3", "bid_sz_3",
	"ask_px_1", "ask_sz_1", "ask_px_2", "ask_sz_2", "ask_px_3", "ask_sz_3",
}

// SnapshotRow is one sampled observation of one contract. Numeric fields
// that may legitimately be absent are pointers; nil means null and renders
// as an empty CSV field. The row itself never carries string renderings,
// formatting is the persistence layer's job.
type SnapshotRow struct {
	Ts               int64
	Venue            string
	UnderlyingSymbol string
	UnderlyingSpot   *float64
	InstrumentID     string
	OptionSymbol     string
	ExpiryDate       string
	Strike           float64
	OptionType       string
	BestBidPx        *float64
	BestBidSz        *int64
	BestAskPx        *float64
	BestAskSz        *int64
	MidPx            *float64
	Spread           *float64
	LastTradePx      *float64
	LastTradeSz      *int64
	BidPx1           *float64
	BidSz1           *int64
	BidPx2           *float64
	BidSz2           *int64
	BidPx3           *float64
	BidSz3           *int64
	AskPx1           *float64
	AskSz1           *int64
	AskPx2           *float64
	AskSz2           *int64
	AskPx3           *float64
	AskSz3           *int64
}

// Values returns the row's typed field values in column order. Index i of
// the result corresponds to Columns[i]. Pointer entries may be nil typed
// pointers; consumers must treat those as null.
func (r SnapshotRow) Values() []interface{} {
	return []interface{}{
		r.Ts, r.Venue, r.UnderlyingSymbol, r.UnderlyingSpot,
		r.InstrumentID, r.OptionSymbol, r.ExpiryDate, r.Strike, r.OptionType,
		r.BestBidPx, r.BestBidSz, r.BestAskPx, r.BestAskSz,
		r.MidPx, r.Spread,
		r.LastTradePx, r.LastTradeSz,
		r.BidPx1, r.BidSz1, r.BidPx2, r.BidSz2, r.BidPx3, r.BidSz3,
		r.AskPx1, r.AskSz1, r.AskPx2, r.AskSz2, r.AskPx3, r.AskSz3,
	}
}
