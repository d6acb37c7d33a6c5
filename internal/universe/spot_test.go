package universe

import (
	"context"
	"errors"
	"testing"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"
)

func TestQuoteSymbolMapping(t *testing.T) {
	cases := map[string]string{
		"NIFTY":     "NSE:NIFTY 50",
		"BANKNIFTY": "NSE:NIFTY BANK",
		"FINNIFTY":  "NSE:NIFTY FIN SERVICE",
		"SENSEX":    "NSE:SENSEX",
	}
	for underlying, want := range cases {
		if got := quoteSymbol(underlying); got != want {
			t.Errorf("quoteSymbol(%s) = %q, want %q", underlying, got, want)
		}
	}
}

func TestSpotFetcherRefresh(t *testing.T) {
	broker := &fakeBroker{quotes: kiteconnect.Quote{
		"NSE:NIFTY 50":   {LastPrice: 24010.5},
		"NSE:NIFTY BANK": {LastPrice: 0},
	}}
	fetcher := NewSpotFetcher(broker, testUniverseConfig(t), []string{"NIFTY", "BANKNIFTY"})

	if err := fetcher.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if spot, ok := fetcher.Spot("NIFTY"); !ok || spot != 24010.5 {
		t.Fatalf("Spot(NIFTY) = %v, %v, want 24010.5, true", spot, ok)
	}
	if _, ok := fetcher.Spot("BANKNIFTY"); ok {
		t.Fatal("zero quote should not populate the spot map")
	}

	broker.mu.Lock()
	broker.quoteErr = errors.New("quote backend down")
	broker.mu.Unlock()
	if err := fetcher.Refresh(context.Background()); err == nil {
		t.Fatal("expected error from failing quote call")
	}
	if spot, _ := fetcher.Spot("NIFTY"); spot != 24010.5 {
		t.Fatalf("failed refresh should keep previous spot, got %v", spot)
	}

	spots := fetcher.Spots()
	if len(spots) != 1 || spots["NIFTY"] != 24010.5 {
		t.Fatalf("Spots = %v, want map with NIFTY only", spots)
	}
}

func TestSpotFetcherStartStop(t *testing.T) {
	broker := &fakeBroker{quotes: kiteconnect.Quote{
		"NSE:NIFTY 50": {LastPrice: 24000},
	}}
	fetcher := NewSpotFetcher(broker, testUniverseConfig(t), []string{"NIFTY"})
	fetcher.refresh = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := fetcher.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := fetcher.Start(ctx); err == nil {
		t.Fatal("second Start should fail while running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && broker.quoteFetches() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if broker.quoteFetches() < 2 {
		t.Fatalf("quote calls = %d, want at least 2", broker.quoteFetches())
	}

	cancel()
	fetcher.Stop()

	if _, ok := fetcher.Spot("NIFTY"); !ok {
		t.Fatal("spot should be populated after background refreshes")
	}
}
