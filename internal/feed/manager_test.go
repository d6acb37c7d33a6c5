package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	appconfig "optionflow/config"
	"optionflow/models"
)

func feedConfig() appconfig.FeedConfig {
	return appconfig.FeedConfig{
		MaxTokensPerConnection: 10,
		MaxConnections:         2,
		ReconnectMaxTries:      5,
		ReconnectMaxDelay:      1,
		EventBuffer:            16,
	}
}

// fakeConn is a scripted feed session driven by the test through its events
// channel.
type fakeConn struct {
	events chan Event
	subErr error

	mu         sync.Mutex
	subscribed [][]uint32
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 16)}
}

func (c *fakeConn) SubscribeFull(tokens []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return c.subErr
	}
	c.subscribed = append(c.subscribed, append([]uint32(nil), tokens...))
	return nil
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribed)
}

func (c *fakeConn) lastSubscribed() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscribed) == 0 {
		return nil
	}
	return c.subscribed[len(c.subscribed)-1]
}

// scriptDialer hands out pre-built connections in order and fails once the
// script runs out.
type scriptDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *scriptDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("no connection available")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPartitionTokens(t *testing.T) {
	if got := partitionTokens(nil, 3); got != nil {
		t.Fatalf("expected no chunks for empty input, got %v", got)
	}

	chunks := partitionTokens([]uint32{1, 2, 3, 4, 5}, 2)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 2 || chunks[0][0] != 1 || chunks[0][1] != 2 {
		t.Fatalf("unexpected first chunk: %v", chunks[0])
	}
	if len(chunks[2]) != 1 || chunks[2][0] != 5 {
		t.Fatalf("unexpected last chunk: %v", chunks[2])
	}
}

func TestConfigureTruncatesOverCapacity(t *testing.T) {
	cfg := feedConfig()
	cfg.MaxTokensPerConnection = 2
	cfg.MaxConnections = 2

	m := NewManager(cfg, &scriptDialer{})
	if err := m.Configure([]uint32{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if len(m.shards) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(m.shards))
	}
	total := 0
	for _, s := range m.shards {
		total += len(s.tokens)
	}
	if total != 4 {
		t.Fatalf("expected 4 retained tokens, got %d", total)
	}
	if m.shards[0].tokens[0] != 1 || m.shards[1].tokens[1] != 4 {
		t.Fatalf("truncation did not keep the leading tokens: %v %v", m.shards[0].tokens, m.shards[1].tokens)
	}
}

func TestStartGuards(t *testing.T) {
	m := NewManager(feedConfig(), &scriptDialer{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err == nil {
		t.Fatal("expected error starting before Configure")
	}
	if err := m.Configure([]uint32{1}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Fatal("expected error on second start")
	}
	if err := m.Configure([]uint32{2}); err == nil {
		t.Fatal("expected error configuring while running")
	}
	cancel()
	m.Stop()
}

func TestManagerLatestWins(t *testing.T) {
	conn := newFakeConn()
	d := &scriptDialer{conns: []*fakeConn{conn}}
	m := NewManager(feedConfig(), d)
	if err := m.Configure([]uint32{101, 102}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	conn.events <- Event{Kind: EventConnected}
	waitFor(t, func() bool { return conn.subscribeCount() == 1 }, "no subscription after connect")

	conn.events <- Event{Kind: EventTicks, Ticks: []models.Tick{{Token: 101, LastPrice: 10}}}
	conn.events <- Event{Kind: EventTicks, Ticks: []models.Tick{
		{Token: 101, LastPrice: 12},
		{Token: 0, LastPrice: 99},
	}}

	waitFor(t, func() bool {
		ticks := m.LatestTicks()
		tk, ok := ticks[101]
		return ok && tk.LastPrice == 12
	}, "latest tick did not supersede the older one")

	if ticks := m.LatestTicks(); len(ticks) != 1 {
		t.Fatalf("expected only token 101 cached, got %d entries", len(ticks))
	}
	waitFor(t, func() bool { return atomic.LoadInt64(&m.invalidTicks) == 1 }, "zero-token tick not counted as invalid")

	if got := m.Stats().TicksReceived; got != 3 {
		t.Fatalf("expected 3 ticks received, got %d", got)
	}

	cancel()
	m.Stop()
}

func TestResubscribeOnReconnect(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	d := &scriptDialer{conns: []*fakeConn{conn1, conn2}}

	m := NewManager(feedConfig(), d)
	if err := m.Configure([]uint32{7, 8, 9}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	conn1.events <- Event{Kind: EventConnected}
	waitFor(t, func() bool { return conn1.subscribeCount() == 1 }, "no subscription on first connect")

	conn1.events <- Event{Kind: EventClosed, Code: 1006, Reason: "abnormal closure"}

	conn2.events <- Event{Kind: EventConnected}
	waitFor(t, func() bool { return conn2.subscribeCount() == 1 }, "no subscription after reconnect")

	first, second := conn1.lastSubscribed(), conn2.lastSubscribed()
	if len(first) != 3 || len(second) != 3 || first[0] != second[0] || first[2] != second[2] {
		t.Fatalf("reconnect subscribed different tokens: %v vs %v", first, second)
	}
	if got := m.Stats().ReconnectCount; got != 1 {
		t.Fatalf("expected 1 reconnect, got %d", got)
	}

	cancel()
	m.Stop()
}

func TestSubscribeFailureRecycles(t *testing.T) {
	conn1 := newFakeConn()
	conn1.subErr = errors.New("subscribe rejected")
	conn2 := newFakeConn()
	d := &scriptDialer{conns: []*fakeConn{conn1, conn2}}

	m := NewManager(feedConfig(), d)
	if err := m.Configure([]uint32{42}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	conn1.events <- Event{Kind: EventConnected}
	conn2.events <- Event{Kind: EventConnected}
	waitFor(t, func() bool { return conn2.subscribeCount() == 1 }, "connection not recycled after subscribe failure")

	cancel()
	m.Stop()
}

func TestAllExhausted(t *testing.T) {
	cfg := feedConfig()
	cfg.MaxTokensPerConnection = 2
	cfg.ReconnectMaxTries = 1

	m := NewManager(cfg, &scriptDialer{})
	if err := m.Configure([]uint32{1, 2, 3, 4}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if m.AllExhausted() {
		t.Fatal("fresh manager must not report exhausted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, m.AllExhausted, "shards never exhausted their reconnect budget")

	for i, st := range m.ShardStates() {
		if st != StateExhausted {
			t.Fatalf("shard %d in state %s, expected exhausted", i, st)
		}
	}
	if m.Stats().ErrorCount < 2 {
		t.Fatalf("expected at least one dial error per shard, got %d", m.Stats().ErrorCount)
	}

	cancel()
	m.Stop()
}
