package models

// ContractMeta is the static descriptor for one option contract in the
// capture universe. Instances are built by the universe provider and treated
// as read-only by everything downstream.
type ContractMeta struct {
	Token         uint32  `json:"token"`
	TradingSymbol string  `json:"tradingsymbol"`
	Underlying    string  `json:"underlying"`
	ExpiryDate    string  `json:"expiry_date"` // YYYY-MM-DD
	Strike        float64 `json:"strike"`
	OptionType    string  `json:"option_type"` // CE or PE
	InstrumentID  string  `json:"instrument_id"`
	LotSize       int64   `json:"lot_size"`
}

// ShortType maps the exchange option type to the single-letter form used in
// output rows (CE -> C, PE -> P). Unknown values pass through unchanged.
func (m ContractMeta) ShortType() string {
	switch m.OptionType {
	case "CE":
		return "C"
	case "PE":
		return "P"
	}
	return m.OptionType
}
