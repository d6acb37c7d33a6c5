package sampler

import (
	"context"
	"sync/atomic"
	"time"

	"optionflow/config"
	"optionflow/internal/feed"
	"optionflow/internal/metrics"
	"optionflow/internal/snapshot"
	"optionflow/logger"
	"optionflow/models"
)

// maxSleepSlice bounds each sleep so a stop request is honored within one
// slice.
const maxSleepSlice = 100 * time.Millisecond

// progressEvery is the cycle count between progress log lines.
const progressEvery = 60

// TickSource is the feed view the sampler consumes.
type TickSource interface {
	LatestTicks() map[uint32]models.Tick
	AllExhausted() bool
}

// UniverseSource supplies the current contract universe and spot prices.
// The sampler re-reads it every cycle so a rebuilt universe takes effect
// without a restart.
type UniverseSource interface {
	Universe() map[uint32]models.ContractMeta
	Spots() map[string]float64
}

// RowSink receives the rows built each cycle.
type RowSink interface {
	WriteMany(rows []models.SnapshotRow)
	CheckTimeFlush()
}

// Stats is a point-in-time view of the sampling loop.
type Stats struct {
	Cycles      int64     `json:"cycles"`
	RowsWritten int64     `json:"rows_written"`
	LastCycle   time.Time `json:"last_cycle"`
}

// Sampler drives the fixed-cadence snapshot loop: pull latest ticks, build
// rows, hand them to the sink, repeat.
type Sampler struct {
	interval time.Duration
	source   TickSource
	universe UniverseSource
	builder  *snapshot.Builder
	sink     RowSink
	log      *logger.Entry

	cycles    int64
	rows      int64
	lastCycle int64 // unix nanos
}

// New creates a sampler. Run starts the loop.
func New(cfg config.SamplingConfig, source TickSource, universe UniverseSource, builder *snapshot.Builder, sink RowSink) *Sampler {
	interval := cfg.Interval()
	if interval <= 0 {
		interval = time.Second
	}
	return &Sampler{
		interval: interval,
		source:   source,
		universe: universe,
		builder:  builder,
		sink:     sink,
		log:      logger.GetLogger().WithComponent("sampler"),
	}
}

// Run drives the sampling cadence until the context is cancelled or every
// feed shard is exhausted. Cadence is fixed: skipped cycles are not caught
// up, a slow cycle just makes the next one fire immediately. The sink's
// time-based flush check runs every iteration whether or not a snapshot
// fired.
func (s *Sampler) Run(ctx context.Context) error {
	s.log.WithFields(logger.Fields{"interval": s.interval.String()}).Info("snapshot loop started")

	next := time.Now().Add(s.interval)
	for {
		if ctx.Err() != nil {
			s.logFinal("context cancelled")
			return nil
		}
		if s.source.AllExhausted() {
			s.logFinal("all feed shards exhausted")
			return feed.ErrAllShardsExhausted
		}

		now := time.Now()
		if !now.Before(next) {
			s.takeSnapshot()
			next = now.Add(s.interval)
		}

		s.sink.CheckTimeFlush()

		sleep := time.Until(next)
		if sleep > maxSleepSlice {
			sleep = maxSleepSlice
		}
		if sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logFinal("context cancelled")
				return nil
			case <-timer.C:
			}
		}
	}
}

// takeSnapshot runs one sampling cycle. A cycle with an empty tick cache is
// skipped entirely so nothing is written before the feed delivers data.
func (s *Sampler) takeSnapshot() {
	ticks := s.source.LatestTicks()
	if len(ticks) == 0 {
		s.log.Debug("no ticks available for snapshot")
		return
	}

	universe := s.universe.Universe()
	spots := s.universe.Spots()

	rows := s.builder.BuildSnapshot(ticks, universe, spots, s.builder.NowMicros())
	s.sink.WriteMany(rows)

	cycles := atomic.AddInt64(&s.cycles, 1)
	atomic.AddInt64(&s.rows, int64(len(rows)))
	atomic.StoreInt64(&s.lastCycle, time.Now().UnixNano())
	metrics.IncrementCycle()
	logger.IncrementSnapshotCycle(len(rows))

	if cycles%progressEvery == 0 {
		s.log.WithFields(logger.Fields{
			"cycles": cycles,
			"rows":   atomic.LoadInt64(&s.rows),
			"ticks":  len(ticks),
		}).Info("snapshot progress")
	}
}

func (s *Sampler) logFinal(reason string) {
	s.log.WithFields(logger.Fields{
		"reason": reason,
		"cycles": atomic.LoadInt64(&s.cycles),
		"rows":   atomic.LoadInt64(&s.rows),
	}).Info("snapshot loop stopped")
}

// Stats returns the loop's counters.
func (s *Sampler) Stats() Stats {
	stats := Stats{
		Cycles:      atomic.LoadInt64(&s.cycles),
		RowsWritten: atomic.LoadInt64(&s.rows),
	}
	if ns := atomic.LoadInt64(&s.lastCycle); ns > 0 {
		stats.LastCycle = time.Unix(0, ns)
	}
	return stats
}
