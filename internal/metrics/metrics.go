// Registers:
//
//	#optionflow_ticks_received_total
//	#optionflow_reconnects_total
//	#optionflow_shard_errors_total
//	#optionflow_snapshot_cycles_total
//	#optionflow_rows_written_total
//	#optionflow_flushes_total
//	#optionflow_write_errors_total
//	#optionflow_rows_dropped_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured address using the Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optionflow/logger"
)

var (
	once           sync.Once
	ticksReceived  *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	shardErrors    *prometheus.CounterVec
	snapshotCycles prometheus.Counter
	rowsWritten    *prometheus.CounterVec
	flushes        *prometheus.CounterVec
	writeErrors    *prometheus.CounterVec
	rowsDropped    prometheus.Counter
)

func Init(addr string) {
	once.Do(func() {
		ticksReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_ticks_received_total",
				Help: "Number of ticks received from the feed",
			},
			[]string{"shard"},
		)

		reconnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_reconnects_total",
				Help: "Number of shard reconnect attempts",
			},
			[]string{"shard"},
		)

		shardErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_shard_errors_total",
				Help: "Number of feed errors observed per shard",
			},
			[]string{"shard"},
		)

		snapshotCycles = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionflow_snapshot_cycles_total",
				Help: "Number of completed sampling cycles",
			},
		)

		rowsWritten = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_rows_written_total",
				Help: "Number of snapshot rows flushed to disk",
			},
			[]string{"underlying"},
		)

		flushes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_flushes_total",
				Help: "Number of buffer flushes by trigger reason",
			},
			[]string{"underlying", "reason"},
		)

		writeErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "optionflow_write_errors_total",
				Help: "Number of failed flush attempts",
			},
			[]string{"underlying"},
		)

		rowsDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optionflow_rows_dropped_total",
				Help: "Number of rows dropped for lack of a registered writer",
			},
		)

		_ = prometheus.Register(ticksReceived)
		_ = prometheus.Register(reconnects)
		_ = prometheus.Register(shardErrors)
		_ = prometheus.Register(snapshotCycles)
		_ = prometheus.Register(rowsWritten)
		_ = prometheus.Register(flushes)
		_ = prometheus.Register(writeErrors)
		_ = prometheus.Register(rowsDropped)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		if addr == "" {
			addr = "0.0.0.0:2112"
		}

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	})
}

// AddTicksReceived increases the tick counter for a given shard.
func AddTicksReceived(shard string, n int) {
	if ticksReceived != nil && n > 0 {
		ticksReceived.WithLabelValues(shard).Add(float64(n))
	}
}

// IncrementReconnect increases the reconnect counter for a given shard.
func IncrementReconnect(shard string) {
	if reconnects != nil {
		reconnects.WithLabelValues(shard).Inc()
	}
}

// IncrementShardError increases the feed error counter for a given shard.
func IncrementShardError(shard string) {
	if shardErrors != nil {
		shardErrors.WithLabelValues(shard).Inc()
	}
}

// IncrementCycle increases the completed sampling cycle counter.
func IncrementCycle() {
	if snapshotCycles != nil {
		snapshotCycles.Inc()
	}
}

// AddRowsWritten increases the written row counter for a given underlying.
func AddRowsWritten(underlying string, n int) {
	if rowsWritten != nil && n > 0 {
		rowsWritten.WithLabelValues(underlying).Add(float64(n))
	}
}

// IncrementFlush increases the flush counter for a given underlying and
// trigger reason (size, interval, force, close).
func IncrementFlush(underlying, reason string) {
	if flushes != nil {
		flushes.WithLabelValues(underlying, reason).Inc()
	}
}

// IncrementWriteError increases the failed flush counter for a given underlying.
func IncrementWriteError(underlying string) {
	if writeErrors != nil {
		writeErrors.WithLabelValues(underlying).Inc()
	}
}

// IncrementRowsDropped increases the counter of rows with no destination writer.
func IncrementRowsDropped(n int) {
	if rowsDropped != nil && n > 0 {
		rowsDropped.Add(float64(n))
	}
}
