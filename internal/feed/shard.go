package feed

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
)

// Shard owns one feed connection and its exclusively assigned token subset.
// It runs the per-connection state machine: the connection capability only
// supplies raw connect/tick/close/error signals, retry policy and state live
// here.
type Shard struct {
	id       int
	tokens   []uint32
	dialer   Dialer
	out      chan<- tickBatch
	maxTries int
	base     time.Duration
	delayCap time.Duration
	log      *logger.Entry

	state   int32
	attempt int
	wait    time.Duration

	ticksReceived  int64
	reconnectCount int64
	errorCount     int64
	droppedBatches int64
}

type tickBatch struct {
	shard int
	ticks []models.Tick
}

func newShard(id int, tokens []uint32, dialer Dialer, out chan<- tickBatch, maxTries int, delayCap time.Duration) *Shard {
	return &Shard{
		id:       id,
		tokens:   tokens,
		dialer:   dialer,
		out:      out,
		maxTries: maxTries,
		base:     time.Second,
		delayCap: delayCap,
		wait:     time.Second,
		log: logger.GetLogger().WithComponent("feed_shard").WithFields(logger.Fields{
			"shard": id,
		}),
	}
}

// State returns the shard's current lifecycle state.
func (s *Shard) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Shard) setState(st State) {
	atomic.StoreInt32(&s.state, int32(st))
}

func (s *Shard) label() string {
	return strconv.Itoa(s.id)
}

// run drives the connection lifecycle until the context is cancelled or the
// reconnect budget runs out.
func (s *Shard) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.setState(StateClosed)
			return
		}

		s.setState(StateConnecting)
		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			atomic.AddInt64(&s.errorCount, 1)
			metrics.IncrementShardError(s.label())
			s.log.WithError(err).WithFields(logger.Fields{"attempt": s.attempt + 1}).Warn("feed dial failed")
			if !s.backoff(ctx) {
				return
			}
			continue
		}

		s.consume(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			s.setState(StateClosed)
			return
		}

		s.setState(StateReconnecting)
		atomic.AddInt64(&s.reconnectCount, 1)
		metrics.IncrementReconnect(s.label())
		if !s.backoff(ctx) {
			return
		}
	}
}

// consume drains one session's events. It returns when the session closes or
// the context is cancelled.
func (s *Shard) consume(ctx context.Context, conn Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case EventConnected:
				s.setState(StateConnected)
				s.attempt = 0
				s.wait = s.base
				// Subscription state does not survive a reconnect; redo it on
				// every connect.
				if err := conn.SubscribeFull(s.tokens); err != nil {
					atomic.AddInt64(&s.errorCount, 1)
					metrics.IncrementShardError(s.label())
					s.log.WithError(err).Error("full-depth subscribe failed, recycling connection")
					return
				}
				s.log.WithFields(logger.Fields{"tokens": len(s.tokens)}).Info("shard connected and subscribed")
			case EventTicks:
				n := len(ev.Ticks)
				if n == 0 {
					continue
				}
				atomic.AddInt64(&s.ticksReceived, int64(n))
				metrics.AddTicksReceived(s.label(), n)
				logger.IncrementTickBatch(n)
				select {
				case s.out <- tickBatch{shard: s.id, ticks: ev.Ticks}:
				default:
					// The aggregator is behind; a newer batch supersedes this
					// one anyway under latest-wins.
					atomic.AddInt64(&s.droppedBatches, 1)
				}
			case EventError:
				atomic.AddInt64(&s.errorCount, 1)
				metrics.IncrementShardError(s.label())
				s.log.WithError(ev.Err).Warn("feed error")
			case EventClosed:
				s.log.WithFields(logger.Fields{
					"code":   ev.Code,
					"reason": ev.Reason,
				}).Warn("feed connection closed")
				return
			}
		}
	}
}

// backoff sleeps before the next dial, doubling the wait up to the configured
// cap. It returns false once the budget is exhausted or the context is
// cancelled, leaving the shard in its terminal state.
func (s *Shard) backoff(ctx context.Context) bool {
	s.attempt++
	if s.attempt > s.maxTries {
		s.setState(StateExhausted)
		s.log.WithFields(logger.Fields{
			"attempts": s.attempt - 1,
			"tokens":   len(s.tokens),
		}).Error("reconnect budget exhausted, shard stopped; its tokens go dark")
		return false
	}

	delay := s.wait
	s.wait *= 2
	if s.wait > s.delayCap {
		s.wait = s.delayCap
	}
	if delay > s.delayCap {
		delay = s.delayCap
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.setState(StateClosed)
		return false
	case <-timer.C:
		return true
	}
}
