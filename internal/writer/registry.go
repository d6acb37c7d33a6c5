package writer

import (
	"strings"
	"time"

	"optionflow/config"
	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
)

// MultiCSVWriter routes snapshot rows to per-underlying writers. Rows whose
// underlying has no registered writer are dropped with a warning, never
// buffered without a destination.
type MultiCSVWriter struct {
	writers map[string]*CSVWriter
	log     *logger.Entry
}

// NewMultiCSVWriter builds one CSV writer per underlying from the storage
// configuration. onRoll, when non-nil, receives the path of every completed
// day-file.
func NewMultiCSVWriter(cfg config.StorageConfig, underlyings []string, venue string, loc *time.Location, onRoll func(path string)) (*MultiCSVWriter, error) {
	m := &MultiCSVWriter{
		writers: make(map[string]*CSVWriter, len(underlyings)),
		log:     logger.GetLogger().WithComponent("csv_registry"),
	}
	for _, underlying := range underlyings {
		w, err := NewCSVWriter(Options{
			OutputDir:     cfg.OutputDir,
			Underlying:    underlying,
			Venue:         venue,
			FlushRows:     cfg.FlushRowsPerWrite,
			FlushInterval: cfg.FlushInterval(),
			Location:      loc,
			OnRoll:        onRoll,
		})
		if err != nil {
			return nil, err
		}
		m.writers[strings.ToUpper(underlying)] = w
	}
	m.log.WithFields(logger.Fields{"writers": len(m.writers)}).Info("csv writers initialized")
	return m, nil
}

// Write routes one row by its underlying symbol.
func (m *MultiCSVWriter) Write(row models.SnapshotRow) {
	underlying := strings.ToUpper(row.UnderlyingSymbol)
	w, ok := m.writers[underlying]
	if !ok {
		metrics.IncrementRowsDropped(1)
		m.log.WithFields(logger.Fields{"underlying": underlying}).Warn("no writer for underlying, dropping row")
		return
	}
	w.Write(row)
}

// WriteMany groups rows by underlying and hands each group to its writer in
// one call.
func (m *MultiCSVWriter) WriteMany(rows []models.SnapshotRow) {
	if len(rows) == 0 {
		return
	}
	grouped := make(map[string][]models.SnapshotRow)
	for _, row := range rows {
		key := strings.ToUpper(row.UnderlyingSymbol)
		grouped[key] = append(grouped[key], row)
	}
	for underlying, group := range grouped {
		w, ok := m.writers[underlying]
		if !ok {
			metrics.IncrementRowsDropped(len(group))
			m.log.WithFields(logger.Fields{
				"underlying": underlying,
				"rows":       len(group),
			}).Warn("no writer for underlying, dropping rows")
			continue
		}
		w.WriteMany(group)
	}
}

// Flush forces a flush on every writer.
func (m *MultiCSVWriter) Flush() {
	for _, w := range m.writers {
		w.Flush()
	}
}

// CheckTimeFlush runs the time-based flush check on every writer.
func (m *MultiCSVWriter) CheckTimeFlush() {
	for _, w := range m.writers {
		w.CheckTimeFlush()
	}
}

// Close closes every writer and returns the last error seen.
func (m *MultiCSVWriter) Close() error {
	var last error
	for _, w := range m.writers {
		if err := w.Close(); err != nil {
			last = err
		}
	}
	return last
}

// Stats reports per-underlying writer statistics.
func (m *MultiCSVWriter) Stats() map[string]Stats {
	out := make(map[string]Stats, len(m.writers))
	for underlying, w := range m.writers {
		out[underlying] = w.Stats()
	}
	return out
}
