package writer

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
)

// Options configure one CSV writer.
type Options struct {
	OutputDir     string
	Underlying    string
	Venue         string
	FlushRows     int
	FlushInterval time.Duration
	Location      *time.Location
	// OnRoll is invoked with the final path of every completed day-file.
	OnRoll func(path string)
}

// Stats is a point-in-time view of one writer.
type Stats struct {
	CurrentFile string `json:"current_file"`
	RowsWritten int64  `json:"rows_written"`
	BufferSize  int    `json:"buffer_size"`
	StartDate   string `json:"start_date"`
}

// CSVWriter buffers snapshot rows for one underlying and appends them to a
// day-rotated CSV file. Flushes fire on buffer size or elapsed time; the
// file itself opens lazily on the first flush.
type CSVWriter struct {
	outputDir     string
	underlying    string
	fileVenue     string
	flushRows     int
	flushInterval time.Duration
	loc           *time.Location
	onRoll        func(string)
	log           *logger.Entry
	now           func() time.Time

	mu          sync.Mutex
	buffer      [][]string
	file        *os.File
	csv         *csv.Writer
	currentFile string
	startDate   time.Time
	lastWrite   time.Time
	lastFlush   time.Time
	rowsWritten int64
}

// NewCSVWriter creates a buffered writer for one underlying, creating the
// output directory if needed.
func NewCSVWriter(opts Options) (*CSVWriter, error) {
	if opts.Underlying == "" {
		return nil, fmt.Errorf("csv writer requires an underlying symbol")
	}
	if opts.Venue == "" {
		opts.Venue = "NSE-FO"
	}
	if opts.FlushRows < 1 {
		opts.FlushRows = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", opts.OutputDir, err)
	}

	underlying := strings.ToUpper(opts.Underlying)
	w := &CSVWriter{
		outputDir:     opts.OutputDir,
		underlying:    underlying,
		fileVenue:     venueToken(opts.Venue),
		flushRows:     opts.FlushRows,
		flushInterval: opts.FlushInterval,
		loc:           opts.Location,
		onRoll:        opts.OnRoll,
		now:           time.Now,
		log: logger.GetLogger().WithComponent("csv_writer").WithFields(logger.Fields{
			"underlying": underlying,
		}),
	}
	w.lastFlush = w.now()
	return w, nil
}

// Write buffers one row, flushing when the buffer reaches the size
// threshold.
func (w *CSVWriter) Write(row models.SnapshotRow) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer = append(w.buffer, formatRow(row))
	if len(w.buffer) >= w.flushRows {
		w.doFlush("size")
	}
}

// WriteMany buffers a batch of rows, flushing when the buffer reaches the
// size threshold.
func (w *CSVWriter) WriteMany(rows []models.SnapshotRow) {
	if len(rows) == 0 {
		return
	}
	formatted := make([][]string, 0, len(rows))
	for _, row := range rows {
		formatted = append(formatted, formatRow(row))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer = append(w.buffer, formatted...)
	if len(w.buffer) >= w.flushRows {
		w.doFlush("size")
	}
}

// CheckTimeFlush flushes a non-empty buffer once the flush interval has
// elapsed. Callers invoke it every scheduler tick so low-traffic
// underlyings still reach disk promptly.
func (w *CSVWriter) CheckTimeFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buffer) == 0 {
		return
	}
	if w.now().Sub(w.lastFlush) >= w.flushInterval {
		w.doFlush("interval")
	}
}

// Flush writes the buffer out regardless of thresholds.
func (w *CSVWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.doFlush("force")
}

// Close flushes remaining rows and releases the file handle. Safe to call
// more than once.
func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.doFlush("close")
	w.closeFile()
	w.log.WithFields(logger.Fields{"rows_written": w.rowsWritten}).Info("csv writer closed")
	return nil
}

// Stats returns the writer's current counters.
func (w *CSVWriter) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Stats{
		CurrentFile: w.currentFile,
		RowsWritten: w.rowsWritten,
		BufferSize:  len(w.buffer),
	}
	if !w.startDate.IsZero() {
		s.StartDate = w.startDate.Format("2006-01-02")
	}
	return s
}

// doFlush writes the buffer to the current day's file. Caller holds the
// lock. A failed write drops the buffer so memory stays bounded; the writer
// keeps accepting rows.
func (w *CSVWriter) doFlush(reason string) {
	if len(w.buffer) == 0 {
		return
	}

	w.checkRollover()

	if w.csv == nil {
		if err := w.openFile(dateOf(w.now(), w.loc)); err != nil {
			w.log.WithError(err).Error("failed to open output file, dropping buffer")
			metrics.IncrementWriteError(w.underlying)
			metrics.IncrementRowsDropped(len(w.buffer))
			w.buffer = w.buffer[:0]
			w.lastFlush = w.now()
			return
		}
	}

	count := len(w.buffer)
	if err := w.csv.WriteAll(w.buffer); err != nil {
		w.log.WithError(err).WithFields(logger.Fields{"rows": count}).Error("write failed, dropping buffered rows")
		metrics.IncrementWriteError(w.underlying)
		metrics.IncrementRowsDropped(count)
	} else {
		w.rowsWritten += int64(count)
		w.lastWrite = w.now()
		metrics.AddRowsWritten(w.underlying, count)
		metrics.IncrementFlush(w.underlying, reason)
		logger.IncrementRowsPersisted(int64(count))
		w.log.WithFields(logger.Fields{
			"batch_id": uuid.New().String(),
			"rows":     count,
			"total":    w.rowsWritten,
			"reason":   reason,
		}).Debug("flushed rows")
	}

	w.buffer = w.buffer[:0]
	w.lastFlush = w.now()
}

// checkRollover rotates the file once the calendar date moves past the
// file's start date. It runs before the buffer is written, so rows that
// straddle midnight land in the new day's file.
func (w *CSVWriter) checkRollover() {
	today := dateOf(w.now(), w.loc)
	if w.startDate.IsZero() || w.startDate.Equal(today) {
		return
	}

	w.log.WithFields(logger.Fields{
		"from": w.startDate.Format("2006-01-02"),
		"to":   today.Format("2006-01-02"),
	}).Info("day rollover detected")

	rolled := w.finalizeCurrent()
	if err := w.openFile(today); err != nil {
		w.log.WithError(err).Error("failed to open file after rollover")
	}
	if rolled != "" && w.onRoll != nil {
		w.onRoll(rolled)
	}
}

// finalizeCurrent closes the open file and renames it so the END segment of
// the name carries the date rows actually last landed on. An existing file
// under the target name is never overwritten; the rename is skipped
// instead. Returns the completed file's final path.
func (w *CSVWriter) finalizeCurrent() string {
	if w.currentFile == "" {
		return ""
	}
	w.closeFile()

	end := w.lastWrite
	if end.IsZero() {
		end = w.startDate
	}
	finalPath := filepath.Join(w.outputDir, w.fileName(w.startDate, dateOf(end, w.loc)))
	if finalPath == w.currentFile {
		return w.currentFile
	}
	if _, err := os.Stat(finalPath); err == nil {
		w.log.WithFields(logger.Fields{"target": filepath.Base(finalPath)}).Warn("rename target already exists, keeping current name")
		return w.currentFile
	}
	if err := os.Rename(w.currentFile, finalPath); err != nil {
		w.log.WithError(err).Error("failed to rename completed file")
		return w.currentFile
	}
	w.log.WithFields(logger.Fields{"file": filepath.Base(finalPath)}).Info("completed file renamed with end date")
	w.currentFile = finalPath
	return finalPath
}

// openFile opens the day's file in append mode, writing the header only
// when the file did not already exist.
func (w *CSVWriter) openFile(forDate time.Time) error {
	w.closeFile()

	name := w.fileName(forDate, forDate)
	path := filepath.Join(w.outputDir, name)

	_, statErr := os.Stat(path)
	existed := statErr == nil

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}

	w.file = f
	w.csv = csv.NewWriter(f)
	w.currentFile = path
	w.startDate = forDate
	w.lastWrite = time.Time{}
	w.lastFlush = w.now()

	if existed {
		w.log.WithFields(logger.Fields{"file": name}).Info("appending to existing output file")
		return nil
	}
	if err := w.csv.Write(models.Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	w.csv.Flush()
	w.log.WithFields(logger.Fields{"file": name}).Info("created new output file")
	return w.csv.Error()
}

func (w *CSVWriter) closeFile() {
	if w.file == nil {
		return
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.log.WithError(err).Error("error flushing csv buffer on close")
	}
	if err := w.file.Close(); err != nil {
		w.log.WithError(err).Error("error closing output file")
	}
	w.file = nil
	w.csv = nil
}

func (w *CSVWriter) fileName(start, end time.Time) string {
	return fmt.Sprintf("%s_%s_OPTION_CHAIN_1S_%s_%s.csv",
		w.underlying, w.fileVenue, start.Format("20060102"), end.Format("20060102"))
}

// venueToken strips separators from the venue label so it is safe inside a
// file name ("NSE-FO" becomes "NSEFO").
func venueToken(label string) string {
	var b strings.Builder
	for _, r := range label {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// dateOf truncates t to its calendar date in loc.
func dateOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// formatRow renders a row's typed values into CSV fields in column order.
func formatRow(row models.SnapshotRow) []string {
	values := row.Values()
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = formatValue(v)
	}
	return out
}

// formatValue renders one field. Nil pointers become empty fields; floats
// with magnitude above 1e10 render as truncated integers so output never
// carries exponential notation.
func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case *float64:
		if val == nil {
			return ""
		}
		return formatFloat(*val)
	case *int64:
		if val == nil {
			return ""
		}
		return strconv.FormatInt(*val, 10)
	case float64:
		return formatFloat(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatFloat(v float64) string {
	if math.Abs(v) > 1e10 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
