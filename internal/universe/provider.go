package universe

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

// Fallback spots used for strike filtering when no quote is available yet.
const (
	fallbackSpotNifty   = 25000.0
	fallbackSpotDefault = 50000.0
)

// Provider turns the instrument catalog plus live spot quotes into the
// capture universe: the token -> contract map the sampler snapshots and the
// token list the feed subscribes to.
type Provider struct {
	cfg         config.UniverseConfig
	catalog     *Catalog
	spots       *SpotFetcher
	underlyings []string
	loc         *time.Location
	now         func() time.Time
	log         *logger.Entry

	mu       sync.RWMutex
	universe map[uint32]models.ContractMeta
	expiries map[string][]string
}

// NewProvider creates a provider over the given catalog and spot fetcher.
// Underlying symbols are normalised to upper case.
func NewProvider(cfg config.UniverseConfig, catalog *Catalog, spots *SpotFetcher, underlyings []string, loc *time.Location) *Provider {
	if loc == nil {
		loc = time.Local
	}
	upper := make([]string, 0, len(underlyings))
	for _, u := range underlyings {
		upper = append(upper, strings.ToUpper(strings.TrimSpace(u)))
	}
	return &Provider{
		cfg:         cfg,
		catalog:     catalog,
		spots:       spots,
		underlyings: upper,
		loc:         loc,
		now:         time.Now,
		log:         logger.GetLogger().WithComponent("universe_provider"),
		universe:    make(map[uint32]models.ContractMeta),
		expiries:    make(map[string][]string),
	}
}

// Rebuild reselects expiries and strikes from the catalog and swaps in a new
// universe map. The previous universe stays in place until the swap, so
// concurrent readers never observe a half-built map.
func (p *Provider) Rebuild(ctx context.Context) error {
	if err := p.spots.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.WithError(err).Warn("spot refresh failed, falling back to cached or default spots")
	}

	today := p.now().In(p.loc).Format("2006-01-02")
	universe := make(map[uint32]models.ContractMeta)
	expiries := make(map[string][]string, len(p.underlyings))

	for _, underlying := range p.underlyings {
		selected := p.selectExpiries(underlying, today)
		if len(selected) == 0 {
			p.log.WithFields(logger.Fields{
				"underlying": underlying,
				"mode":       p.cfg.ExpiryMode,
			}).Warn("no expiries selected for underlying")
			continue
		}
		expiries[underlying] = selected

		spot := p.effectiveSpot(underlying)
		contracts := 0
		for _, expiry := range selected {
			for _, ins := range p.catalog.OptionsForExpiry(underlying, expiry) {
				if math.Abs(ins.Strike-spot) > p.cfg.MaxStrikeDistance {
					continue
				}
				universe[ins.InstrumentToken] = models.ContractMeta{
					Token:         ins.InstrumentToken,
					TradingSymbol: ins.Tradingsymbol,
					Underlying:    underlying,
					ExpiryDate:    ins.Expiry,
					Strike:        ins.Strike,
					OptionType:    ins.InstrumentType,
					InstrumentID:  instrumentID(underlying, ins.Expiry, ins.Strike, ins.InstrumentType),
					LotSize:       ins.LotSize,
				}
				contracts++
			}
		}

		p.log.WithFields(logger.Fields{
			"underlying": underlying,
			"expiries":   strings.Join(selected, ","),
			"spot":       spot,
			"contracts":  contracts,
		}).Info("selected option contracts for underlying")
	}

	if len(universe) == 0 {
		return fmt.Errorf("universe is empty: no contracts matched expiry mode %s within %0.f of spot",
			p.cfg.ExpiryMode, p.cfg.MaxStrikeDistance)
	}

	p.mu.Lock()
	p.universe = universe
	p.expiries = expiries
	p.mu.Unlock()

	p.log.WithFields(logger.Fields{
		"underlyings": len(expiries),
		"contracts":   len(universe),
	}).Info("option universe rebuilt")
	return nil
}

// selectExpiries picks capture expiries for one underlying. Only dates on or
// after today qualify; YYYY-MM-DD strings compare chronologically.
func (p *Provider) selectExpiries(underlying, today string) []string {
	all := p.catalog.Expiries(underlying)
	valid := make([]string, 0, len(all))
	for _, expiry := range all {
		if expiry >= today {
			valid = append(valid, expiry)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	switch p.cfg.ExpiryMode {
	case config.ExpiryModeWeekly:
		if len(valid) > 4 {
			valid = valid[:4]
		}
		return valid
	case config.ExpiryModeMonthly:
		return monthlyExpiries(valid)
	case config.ExpiryModeExplicit:
		return intersectExpiries(p.cfg.ExpiryDates, valid)
	default:
		return valid[:1]
	}
}

// monthlyExpiries keeps expiries falling in the closing stretch of their
// calendar month, one per month, up to three months out. NSE monthly
// contracts expire in the last week, so day >= 22 separates them from the
// weeklies.
func monthlyExpiries(valid []string) []string {
	out := make([]string, 0, 3)
	seen := make(map[string]bool, 3)
	for _, expiry := range valid {
		t, err := time.Parse("2006-01-02", expiry)
		if err != nil || t.Day() < 22 {
			continue
		}
		month := expiry[:7]
		if seen[month] {
			continue
		}
		seen[month] = true
		out = append(out, expiry)
		if len(out) == 3 {
			break
		}
	}
	return out
}

// intersectExpiries keeps the requested dates that actually trade, in the
// requested order.
func intersectExpiries(requested, valid []string) []string {
	validSet := make(map[string]bool, len(valid))
	for _, expiry := range valid {
		validSet[expiry] = true
	}
	out := make([]string, 0, len(requested))
	for _, expiry := range requested {
		if validSet[expiry] {
			out = append(out, expiry)
		}
	}
	return out
}

func (p *Provider) effectiveSpot(underlying string) float64 {
	if spot, ok := p.spots.Spot(underlying); ok && spot > 0 {
		return spot
	}
	fallback := fallbackSpotDefault
	if underlying == "NIFTY" {
		fallback = fallbackSpotNifty
	}
	p.log.WithFields(logger.Fields{
		"underlying": underlying,
		"fallback":   fallback,
	}).Warn("no spot quote available, using fallback for strike filtering")
	return fallback
}

// instrumentID builds the stable contract identifier used in output rows,
// e.g. NIFTY_20260828_24000CE. Strikes are truncated to whole rupees.
func instrumentID(underlying, expiry string, strike float64, optionType string) string {
	return fmt.Sprintf("%s_%s_%d%s", underlying, strings.ReplaceAll(expiry, "-", ""), int64(strike), optionType)
}

// Universe returns the current token -> contract map. The map is replaced
// wholesale on Rebuild and never mutated in place, so callers may hold the
// reference without copying.
func (p *Provider) Universe() map[uint32]models.ContractMeta {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.universe
}

// Tokens returns the universe's instrument tokens sorted ascending, the
// order the feed subscribes in.
func (p *Provider) Tokens() []uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tokens := make([]uint32, 0, len(p.universe))
	for token := range p.universe {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// Spots returns the current spot prices keyed by underlying.
func (p *Provider) Spots() map[string]float64 {
	return p.spots.Spots()
}

// SelectedExpiries returns the expiries chosen for an underlying on the last
// Rebuild.
func (p *Provider) SelectedExpiries(underlying string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.expiries[strings.ToUpper(underlying)]...)
}
