package universe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"optionflow/config"
	"optionflow/logger"
)

// indexQuoteSymbols maps an underlying to the broker's quote symbol for its
// index. Anything not listed falls back to "NSE:{underlying}".
var indexQuoteSymbols = map[string]string{
	"NIFTY":     "NSE:NIFTY 50",
	"BANKNIFTY": "NSE:NIFTY BANK",
	"FINNIFTY":  "NSE:NIFTY FIN SERVICE",
}

func quoteSymbol(underlying string) string {
	if sym, ok := indexQuoteSymbols[underlying]; ok {
		return sym
	}
	return "NSE:" + underlying
}

// SpotFetcher keeps per-underlying spot prices current via broker index
// quotes. Quote calls go through a rate limiter so the refresh cadence can
// never breach the broker's request budget.
type SpotFetcher struct {
	client      BrokerClient
	underlyings []string
	limiter     *rate.Limiter
	refresh     time.Duration
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Entry

	spots map[string]float64
}

// NewSpotFetcher creates a fetcher for the given underlyings. Symbols are
// normalised to upper case so lookups agree with the universe provider. Start
// launches periodic refreshes; Refresh can also be called directly.
func NewSpotFetcher(client BrokerClient, cfg config.UniverseConfig, underlyings []string) *SpotFetcher {
	rps := cfg.QuoteRateLimit
	if rps <= 0 {
		rps = 1
	}
	refresh := cfg.SpotRefreshInterval()
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	upper := make([]string, 0, len(underlyings))
	for _, u := range underlyings {
		upper = append(upper, strings.ToUpper(strings.TrimSpace(u)))
	}
	return &SpotFetcher{
		client:      client,
		underlyings: upper,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		refresh:     refresh,
		wg:          &sync.WaitGroup{},
		spots:       make(map[string]float64),
		log:         logger.GetLogger().WithComponent("spot_fetcher"),
	}
}

// Refresh fetches index quotes once and updates the spot map. Underlyings
// whose quote is missing or zero keep their previous value.
func (s *SpotFetcher) Refresh(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	symbols := make([]string, 0, len(s.underlyings))
	for _, underlying := range s.underlyings {
		symbols = append(symbols, quoteSymbol(underlying))
	}

	quotes, err := s.client.GetQuote(symbols...)
	if err != nil {
		return fmt.Errorf("fetch index quotes: %w", err)
	}

	s.mu.Lock()
	updated := 0
	for _, underlying := range s.underlyings {
		quote, ok := quotes[quoteSymbol(underlying)]
		if !ok || quote.LastPrice == 0 {
			continue
		}
		s.spots[underlying] = quote.LastPrice
		updated++
	}
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{"updated": updated}).Debug("spot prices refreshed")
	return nil
}

// Start launches the periodic refresh worker.
func (s *SpotFetcher) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("spot fetcher already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.refreshWorker()
	return nil
}

func (s *SpotFetcher) refreshWorker() {
	defer s.wg.Done()

	log := s.log.WithFields(logger.Fields{"worker": "spot_refresh"})
	log.WithFields(logger.Fields{"interval": s.refresh.String()}).Info("starting spot refresh worker")

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Info("spot refresh worker stopped due to context cancellation")
			return
		case <-ticker.C:
			if err := s.Refresh(s.ctx); err != nil && s.ctx.Err() == nil {
				log.WithError(err).Warn("spot refresh failed")
			}
		}
	}
}

// Stop waits for the refresh worker to exit. Safe to call when never
// started.
func (s *SpotFetcher) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("spot fetcher stopped")
}

// Spots returns a copy of the current spot map.
func (s *SpotFetcher) Spots() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.spots))
	for underlying, spot := range s.spots {
		out[underlying] = spot
	}
	return out
}

// Spot returns one underlying's current spot price.
func (s *SpotFetcher) Spot(underlying string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spot, ok := s.spots[underlying]
	return spot, ok
}
