package feed

import (
	"context"
	"fmt"
	"sync"

	kitemodels "github.com/zerodha/gokiteconnect/v4/models"
	kiteticker "github.com/zerodha/gokiteconnect/v4/ticker"

	"optionflow/models"
)

// KiteDialer opens feed sessions against the Zerodha Kite ticker. The SDK's
// embedded reconnect machinery is disabled; retry policy belongs to the shard
// that owns the session.
type KiteDialer struct {
	apiKey      string
	accessToken string
}

// NewKiteDialer validates the credentials and returns a dialer. The access
// token must already be a live session token; token exchange happens upstream.
func NewKiteDialer(apiKey, accessToken string) (*KiteDialer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("kite dialer: api key is required")
	}
	if accessToken == "" {
		return nil, fmt.Errorf("kite dialer: access token is required")
	}
	return &KiteDialer{apiKey: apiKey, accessToken: accessToken}, nil
}

// Dial starts one ticker session. The returned Conn reports the handshake via
// EventConnected; a dial that never reaches the server surfaces as EventError
// followed by EventClosed.
func (d *KiteDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := kiteticker.New(d.apiKey, d.accessToken)
	t.SetAutoReconnect(false)

	c := &kiteConn{
		ticker: t,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}

	t.OnConnect(func() {
		c.emit(Event{Kind: EventConnected})
	})
	t.OnTick(func(tick kitemodels.Tick) {
		c.emit(Event{Kind: EventTicks, Ticks: []models.Tick{fromKiteTick(tick)}})
	})
	t.OnError(func(err error) {
		c.emit(Event{Kind: EventError, Err: err})
	})
	t.OnClose(func(code int, reason string) {
		c.emit(Event{Kind: EventClosed, Code: code, Reason: reason})
	})

	go func() {
		t.ServeWithContext(ctx)
		c.finish()
	}()

	return c, nil
}

// kiteConn adapts one ticker session to the Conn capability.
type kiteConn struct {
	ticker    *kiteticker.Ticker
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (c *kiteConn) SubscribeFull(tokens []uint32) error {
	if err := c.ticker.Subscribe(tokens); err != nil {
		return fmt.Errorf("subscribe %d tokens: %w", len(tokens), err)
	}
	if err := c.ticker.SetMode(kiteticker.ModeFull, tokens); err != nil {
		return fmt.Errorf("set full mode for %d tokens: %w", len(tokens), err)
	}
	return nil
}

func (c *kiteConn) Events() <-chan Event {
	return c.events
}

func (c *kiteConn) Close() error {
	c.ticker.Stop()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// emit delivers one event to the consumer, giving up once the session has
// been released so SDK callback goroutines can never block forever.
func (c *kiteConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// finish runs when the serve loop returns. The SDK does not report a close
// for every exit path (a failed dial only triggers the error callback), so a
// terminal close event is synthesized here for consumers still listening.
func (c *kiteConn) finish() {
	select {
	case c.events <- Event{Kind: EventClosed, Reason: "session ended"}:
	default:
	}
	c.closeOnce.Do(func() { close(c.done) })
}

func fromKiteTick(t kitemodels.Tick) models.Tick {
	tick := models.Tick{
		Token:        t.InstrumentToken,
		LastPrice:    t.LastPrice,
		LastQuantity: int64(t.LastTradedQuantity),
		Depth: models.MarketDepth{
			Buy:  fromKiteDepth(t.Depth.Buy),
			Sell: fromKiteDepth(t.Depth.Sell),
		},
	}
	if !t.Timestamp.Time.IsZero() {
		tick.ExchangeTimestamp = t.Timestamp.Time
	}
	return tick
}

func fromKiteDepth(items [5]kitemodels.DepthItem) []models.DepthLevel {
	levels := make([]models.DepthLevel, 0, len(items))
	for _, item := range items {
		levels = append(levels, models.DepthLevel{
			Price:    item.Price,
			Quantity: int64(item.Quantity),
		})
	}
	return levels
}
