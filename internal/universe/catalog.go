package universe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	"optionflow/config"
	"optionflow/logger"
)

// BrokerClient is the slice of the broker SDK the universe package consumes.
// *kiteconnect.Client satisfies it.
type BrokerClient interface {
	GetInstrumentsByExchange(exchange string) (kiteconnect.Instruments, error)
	GetQuote(instruments ...string) (kiteconnect.Quote, error)
}

// Instrument is one catalog row: the subset of the exchange instrument dump
// the selector needs. Expiry is YYYY-MM-DD, empty for undated instruments.
type Instrument struct {
	InstrumentToken uint32  `csv:"instrument_token"`
	Tradingsymbol   string  `csv:"tradingsymbol"`
	Name            string  `csv:"name"`
	Expiry          string  `csv:"expiry"`
	Strike          float64 `csv:"strike"`
	LotSize         int64   `csv:"lot_size"`
	InstrumentType  string  `csv:"instrument_type"`
	Segment         string  `csv:"segment"`
	Exchange        string  `csv:"exchange"`
}

// Catalog holds one exchange's instrument dump, fetched at most once per day
// and cached on disk so restarts stay off the network.
type Catalog struct {
	client   BrokerClient
	cacheDir string
	exchange string
	loc      *time.Location
	log      *logger.Entry
	now      func() time.Time

	mu          sync.RWMutex
	instruments []Instrument
}

// NewCatalog creates a catalog backed by the given broker client. The cache
// directory is created if missing.
func NewCatalog(client BrokerClient, cfg config.UniverseConfig, loc *time.Location) (*Catalog, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("universe cache dir is required")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", cfg.CacheDir, err)
	}
	if loc == nil {
		loc = time.Local
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "NFO"
	}
	return &Catalog{
		client:   client,
		cacheDir: cfg.CacheDir,
		exchange: exchange,
		loc:      loc,
		now:      time.Now,
		log: logger.GetLogger().WithComponent("instrument_catalog").WithFields(logger.Fields{
			"exchange": exchange,
		}),
	}, nil
}

func (c *Catalog) cachePath(day time.Time) string {
	name := fmt.Sprintf("instruments_%s_%s.csv", c.exchange, day.In(c.loc).Format("20060102"))
	return filepath.Join(c.cacheDir, name)
}

// Load populates the catalog, preferring a same-day cache file over the
// network unless force is set.
func (c *Catalog) Load(force bool) error {
	path := c.cachePath(c.now())

	if !force {
		rows, err := c.loadFromCache(path)
		switch {
		case err == nil:
			c.setInstruments(rows)
			c.log.WithFields(logger.Fields{
				"file":        filepath.Base(path),
				"instruments": len(rows),
			}).Info("instrument catalog loaded from cache")
			return nil
		case !errors.Is(err, os.ErrNotExist):
			c.log.WithError(err).Warn("instrument cache unreadable, refetching")
		}
	}

	c.log.Info("fetching instrument dump from broker")
	rows, err := c.fetch()
	if err != nil {
		return fmt.Errorf("fetch instruments: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("no instruments returned for exchange %s", c.exchange)
	}
	c.setInstruments(rows)

	if err := c.saveToCache(path, rows); err != nil {
		c.log.WithError(err).Warn("failed to write instrument cache")
	} else {
		c.log.WithFields(logger.Fields{
			"file":        filepath.Base(path),
			"instruments": len(rows),
		}).Info("instrument dump cached")
	}
	return nil
}

func (c *Catalog) fetch() ([]Instrument, error) {
	dump, err := c.client.GetInstrumentsByExchange(c.exchange)
	if err != nil {
		return nil, err
	}
	rows := make([]Instrument, 0, len(dump))
	for _, in := range dump {
		row := Instrument{
			InstrumentToken: uint32(in.InstrumentToken),
			Tradingsymbol:   in.Tradingsymbol,
			Name:            in.Name,
			Strike:          in.StrikePrice,
			LotSize:         int64(in.LotSize),
			InstrumentType:  in.InstrumentType,
			Segment:         in.Segment,
			Exchange:        in.Exchange,
		}
		if !in.Expiry.IsZero() {
			row.Expiry = in.Expiry.Format("2006-01-02")
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *Catalog) loadFromCache(path string) ([]Instrument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []Instrument
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return rows, nil
}

func (c *Catalog) saveToCache(path string, rows []Instrument) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gocsv.MarshalFile(&rows, f)
}

func (c *Catalog) setInstruments(rows []Instrument) {
	c.mu.Lock()
	c.instruments = rows
	c.mu.Unlock()
}

// Len reports the number of catalog rows.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.instruments)
}

// Options returns every CE/PE instrument whose name matches the underlying.
func (c *Catalog) Options(underlying string) []Instrument {
	return c.filterOptions(underlying, "")
}

// OptionsForExpiry returns the underlying's options for one expiry date
// (YYYY-MM-DD).
func (c *Catalog) OptionsForExpiry(underlying, expiry string) []Instrument {
	return c.filterOptions(underlying, expiry)
}

func (c *Catalog) filterOptions(underlying, expiry string) []Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Instrument
	for _, ins := range c.instruments {
		if ins.InstrumentType != "CE" && ins.InstrumentType != "PE" {
			continue
		}
		if ins.Name != underlying {
			continue
		}
		if expiry != "" && ins.Expiry != expiry {
			continue
		}
		out = append(out, ins)
	}
	return out
}

// Expiries returns the underlying's unique option expiry dates, sorted
// ascending. YYYY-MM-DD strings order lexicographically the same as
// chronologically.
func (c *Catalog) Expiries(underlying string) []string {
	seen := make(map[string]struct{})
	for _, ins := range c.filterOptions(underlying, "") {
		if ins.Expiry == "" {
			continue
		}
		seen[ins.Expiry] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for expiry := range seen {
		out = append(out, expiry)
	}
	sort.Strings(out)
	return out
}
