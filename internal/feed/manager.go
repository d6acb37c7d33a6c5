package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

// ErrAllShardsExhausted is reported once every shard has burned through its
// reconnect budget. The feed delivers nothing after this point until the
// manager is rebuilt.
var ErrAllShardsExhausted = errors.New("all feed shards exhausted")

// Stats is the aggregated view over every shard.
type Stats struct {
	TicksReceived  int64 `json:"ticks_received"`
	ReconnectCount int64 `json:"reconnect_count"`
	ErrorCount     int64 `json:"error_count"`
	ShardCount     int   `json:"shard_count"`
}

// Manager presents one logical tick source while hiding per-connection
// subscription limits. Tokens are partitioned disjointly across shards; every
// shard owns one connection and forwards its tick batches into a single
// aggregation goroutine, which is the only writer of the latest-tick cache.
type Manager struct {
	cfg     config.FeedConfig
	dialer  Dialer
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	shards  []*Shard
	batches chan tickBatch

	cacheMu sync.RWMutex
	cache   map[uint32]models.Tick

	invalidTicks int64
}

// NewManager creates a feed manager. Configure must be called before Start.
func NewManager(cfg config.FeedConfig, dialer Dialer) *Manager {
	buffer := cfg.EventBuffer
	if buffer < 1 {
		buffer = 1024
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
		batches: make(chan tickBatch, buffer),
		cache:   make(map[uint32]models.Tick),
	}
}

// Configure partitions tokens into shards of at most MaxTokensPerConnection
// tokens, capped at MaxConnections shards. Tokens beyond total capacity are
// dropped deterministically (first come, first kept) with a warning; this is
// subscription policy, not a failure.
func (m *Manager) Configure(tokens []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("feed manager already running")
	}

	log := m.log.WithComponent("feed_manager")

	capacity := m.cfg.MaxTokensPerConnection * m.cfg.MaxConnections
	if len(tokens) > capacity {
		log.WithFields(logger.Fields{
			"tokens":   len(tokens),
			"capacity": capacity,
			"dropped":  len(tokens) - capacity,
		}).Warn("token count exceeds subscription capacity, truncating")
		tokens = tokens[:capacity]
	}

	chunks := partitionTokens(tokens, m.cfg.MaxTokensPerConnection)

	m.shards = make([]*Shard, 0, len(chunks))
	for i, chunk := range chunks {
		m.shards = append(m.shards, newShard(i, chunk, m.dialer, m.batches, m.cfg.ReconnectMaxTries, m.cfg.ReconnectDelayCap()))
	}

	log.WithFields(logger.Fields{
		"tokens": len(tokens),
		"shards": len(m.shards),
	}).Info("feed manager configured")
	return nil
}

// partitionTokens splits tokens into consecutive chunks of at most
// maxPerShard tokens, preserving input order.
func partitionTokens(tokens []uint32, maxPerShard int) [][]uint32 {
	if maxPerShard < 1 {
		maxPerShard = 1
	}
	var chunks [][]uint32
	for start := 0; start < len(tokens); start += maxPerShard {
		end := start + maxPerShard
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, tokens[start:end])
	}
	return chunks
}

// Start opens every shard connection and begins aggregating ticks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("feed manager already running")
	}
	if len(m.shards) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("feed manager has no shards; call Configure first")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	log := m.log.WithComponent("feed_manager").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting feed manager")

	m.wg.Add(1)
	go m.aggregator()

	for _, s := range m.shards {
		m.wg.Add(1)
		go func(s *Shard) {
			defer m.wg.Done()
			s.run(m.ctx)
		}(s)
	}

	log.WithFields(logger.Fields{"shards": len(m.shards)}).Info("feed manager started successfully")
	return nil
}

// aggregator is the single writer of the tick cache. It drains shard batches
// and applies latest-wins per token.
func (m *Manager) aggregator() {
	defer m.wg.Done()

	log := m.log.WithComponent("feed_manager").WithFields(logger.Fields{"worker": "aggregator"})
	log.Info("starting tick aggregator")

	for {
		select {
		case <-m.ctx.Done():
			log.Info("aggregator stopped due to context cancellation")
			return
		case batch := <-m.batches:
			m.applyBatch(batch)
		}
	}
}

func (m *Manager) applyBatch(batch tickBatch) {
	m.cacheMu.Lock()
	for _, tick := range batch.ticks {
		// Token is the row identity; a tick without one has nowhere to go.
		if tick.Token == 0 {
			atomic.AddInt64(&m.invalidTicks, 1)
			continue
		}
		m.cache[tick.Token] = tick
	}
	m.cacheMu.Unlock()
}

// LatestTicks returns a point-in-time copy of the aggregated cache. The lock
// is held only for the duration of the copy.
func (m *Manager) LatestTicks() map[uint32]models.Tick {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	out := make(map[uint32]models.Tick, len(m.cache))
	for token, tick := range m.cache {
		out[token] = tick
	}
	return out
}

// Stop closes all shard connections, best-effort. Safe to call when already
// stopped.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.log.WithComponent("feed_manager").Info("stopping feed manager")
	m.wg.Wait()

	stats := m.Stats()
	m.log.WithComponent("feed_manager").WithFields(logger.Fields{
		"ticks_received": stats.TicksReceived,
		"reconnects":     stats.ReconnectCount,
		"errors":         stats.ErrorCount,
		"invalid_ticks":  atomic.LoadInt64(&m.invalidTicks),
	}).Info("feed manager stopped")
}

// Stats sums counters across shards.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	shards := m.shards
	m.mu.RUnlock()

	stats := Stats{ShardCount: len(shards)}
	for _, s := range shards {
		stats.TicksReceived += atomic.LoadInt64(&s.ticksReceived)
		stats.ReconnectCount += atomic.LoadInt64(&s.reconnectCount)
		stats.ErrorCount += atomic.LoadInt64(&s.errorCount)
	}
	return stats
}

// AllExhausted reports whether every shard has permanently stopped. The
// caller decides whether that ends the run; in-flight sampling cycles are
// never interrupted by it.
func (m *Manager) AllExhausted() bool {
	m.mu.RLock()
	shards := m.shards
	m.mu.RUnlock()

	if len(shards) == 0 {
		return false
	}
	for _, s := range shards {
		if s.State() != StateExhausted {
			return false
		}
	}
	return true
}

// ShardStates returns the lifecycle state per shard, indexed by shard id.
func (m *Manager) ShardStates() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := make([]State, len(m.shards))
	for i, s := range m.shards {
		states[i] = s.State()
	}
	return states
}
