package writer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	appconfig "optionflow/config"
	"optionflow/models"
)

func sampleRow(underlying string, ts int64) models.SnapshotRow {
	px := 150.5
	sz := int64(100)
	return models.SnapshotRow{
		Ts:               ts,
		Venue:            "NSE-FO",
		UnderlyingSymbol: underlying,
		InstrumentID:     underlying + "_20260828_24000CE",
		OptionSymbol:     underlying + "24AUG24000CE",
		ExpiryDate:       "2026-08-28",
		Strike:           24000,
		OptionType:       "C",
		BestBidPx:        &px,
		BestBidSz:        &sz,
	}
}

func newTestWriter(t *testing.T, dir string, flushRows int, base time.Time) (*CSVWriter, *time.Time) {
	t.Helper()
	clock := base
	w, err := NewCSVWriter(Options{
		OutputDir:     dir,
		Underlying:    "NIFTY",
		Venue:         "NSE-FO",
		FlushRows:     flushRows,
		FlushInterval: time.Second,
		Location:      base.Location(),
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.now = func() time.Time { return clock }
	w.lastFlush = clock
	return w, &clock
}

func fileLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestSizeTriggeredFlush(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	w, _ := newTestWriter(t, dir, 3, base)

	w.Write(sampleRow("NIFTY", 1))
	w.Write(sampleRow("NIFTY", 2))
	path := filepath.Join(dir, "NIFTY_NSEFO_OPTION_CHAIN_1S_20260824_20260824.csv")
	if _, err := os.Stat(path); err == nil {
		t.Fatal("file must not exist before the size threshold is reached")
	}

	w.Write(sampleRow("NIFTY", 3))
	lines := fileLines(t, path)
	if len(lines) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d lines", len(lines))
	}
	if lines[0] != strings.Join(models.Columns, ",") {
		t.Fatalf("unexpected header: %s", lines[0])
	}

	fields := strings.Split(lines[1], ",")
	if len(fields) != len(models.Columns) {
		t.Fatalf("expected %d fields, got %d", len(models.Columns), len(fields))
	}
	if fields[0] != "1" || fields[9] != "150.5" || fields[11] != "" {
		t.Fatalf("unexpected row rendering: ts=%q bid=%q ask=%q", fields[0], fields[9], fields[11])
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestTimeTriggeredFlush(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	w, clock := newTestWriter(t, dir, 100, base)

	w.Write(sampleRow("NIFTY", 1))
	w.CheckTimeFlush()
	if got := w.Stats().BufferSize; got != 1 {
		t.Fatalf("flush fired before the interval elapsed, buffer=%d", got)
	}

	*clock = base.Add(time.Second)
	w.CheckTimeFlush()
	if got := w.Stats().BufferSize; got != 0 {
		t.Fatalf("expected flush after interval, buffer=%d", got)
	}
	if got := w.Stats().RowsWritten; got != 1 {
		t.Fatalf("expected 1 row written, got %d", got)
	}

	// An empty buffer never triggers a flush however much time passes.
	*clock = base.Add(time.Hour)
	w.CheckTimeFlush()
	if got := w.Stats().RowsWritten; got != 1 {
		t.Fatalf("flush fired on empty buffer, rows=%d", got)
	}
	_ = w.Close()
}

func TestDayRollover(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)
	w, clock := newTestWriter(t, dir, 100, base)

	var rolled []string
	w.onRoll = func(path string) { rolled = append(rolled, path) }

	for i := 0; i < 3; i++ {
		w.Write(sampleRow("NIFTY", int64(i)))
	}
	w.Flush()

	dayOne := filepath.Join(dir, "NIFTY_NSEFO_OPTION_CHAIN_1S_20260824_20260824.csv")
	if lines := fileLines(t, dayOne); len(lines) != 4 {
		t.Fatalf("day one file: expected 4 lines, got %d", len(lines))
	}

	*clock = base.Add(24 * time.Hour)
	w.Write(sampleRow("NIFTY", 100))
	w.Write(sampleRow("NIFTY", 101))
	w.Flush()

	// The completed file keeps END equal to the last day rows landed on,
	// never the rollover day.
	if lines := fileLines(t, dayOne); len(lines) != 4 {
		t.Fatalf("rows leaked into the completed file: %d lines", len(lines))
	}
	dayTwo := filepath.Join(dir, "NIFTY_NSEFO_OPTION_CHAIN_1S_20260825_20260825.csv")
	lines := fileLines(t, dayTwo)
	if len(lines) != 3 {
		t.Fatalf("day two file: expected header plus 2 rows, got %d lines", len(lines))
	}
	if lines[0] != strings.Join(models.Columns, ",") {
		t.Fatal("new day's file must start with the header")
	}

	if len(rolled) != 1 || rolled[0] != dayOne {
		t.Fatalf("expected roll notification for %s, got %v", dayOne, rolled)
	}

	stats := w.Stats()
	if stats.RowsWritten != 5 || stats.StartDate != "2026-08-25" || stats.CurrentFile != dayTwo {
		t.Fatalf("unexpected stats after rollover: %+v", stats)
	}
	_ = w.Close()
}

func TestFinalizeSkipsExistingTarget(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	w, _ := newTestWriter(t, dir, 100, base)

	w.Write(sampleRow("NIFTY", 1))
	w.Flush()
	openName := w.currentFile

	// Force an end date that differs from the start date so finalize wants
	// a rename, with the target already occupied.
	w.lastWrite = base.Add(24 * time.Hour)
	target := filepath.Join(dir, "NIFTY_NSEFO_OPTION_CHAIN_1S_20260824_20260825.csv")
	if err := os.WriteFile(target, []byte("occupied\n"), 0o644); err != nil {
		t.Fatalf("pre-create target: %v", err)
	}

	final := w.finalizeCurrent()
	if final != openName {
		t.Fatalf("rename must be skipped on collision, got %s", final)
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "occupied\n" {
		t.Fatalf("existing target was overwritten: %q %v", data, err)
	}
}

func TestHeaderWrittenOncePerFile(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	w1, _ := newTestWriter(t, dir, 100, base)
	w1.Write(sampleRow("NIFTY", 1))
	w1.Flush()
	if err := w1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, _ := newTestWriter(t, dir, 100, base)
	w2.Write(sampleRow("NIFTY", 2))
	w2.Flush()
	_ = w2.Close()

	path := filepath.Join(dir, "NIFTY_NSEFO_OPTION_CHAIN_1S_20260824_20260824.csv")
	lines := fileLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("expected 1 header and 2 rows, got %d lines", len(lines))
	}
	header := strings.Join(models.Columns, ",")
	if lines[0] != header || lines[1] == header || lines[2] == header {
		t.Fatal("header must appear exactly once, as the first line")
	}
}

func TestCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	w, _ := newTestWriter(t, dir, 100, base)

	w.Write(sampleRow("NIFTY", 1))
	if err := w.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	rows := w.Stats().RowsWritten
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if w.Stats().RowsWritten != rows {
		t.Fatal("second close must not flush again")
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{(*float64)(nil), ""},
		{(*int64)(nil), ""},
		{"NIFTY", "NIFTY"},
		{int64(1700000000000000), "1700000000000000"},
		{150.5, "150.5"},
		{24000.0, "24000"},
		{12345678901.5, "12345678901"},
		{-98765432109.9, "-98765432109"},
	}
	for _, c := range cases {
		if got := formatValue(c.in); got != c.want {
			t.Fatalf("formatValue(%v) = %q, want %q", c.in, got, c.want)
		}
	}

	px := 0.05
	if got := formatValue(&px); got != "0.05" {
		t.Fatalf("pointer float: %q", got)
	}
	sz := int64(75)
	if got := formatValue(&sz); got != "75" {
		t.Fatalf("pointer int: %q", got)
	}
}

func TestVenueToken(t *testing.T) {
	if got := venueToken("NSE-FO"); got != "NSEFO" {
		t.Fatalf("venueToken: %q", got)
	}
	if got := venueToken("NSE FO.2"); got != "NSEFO2" {
		t.Fatalf("venueToken: %q", got)
	}
}

func TestMultiWriterRouting(t *testing.T) {
	dir := t.TempDir()
	cfg := appconfig.StorageConfig{
		OutputDir:            dir,
		FlushRowsPerWrite:    100,
		FlushIntervalSeconds: 1,
	}

	m, err := NewMultiCSVWriter(cfg, []string{"NIFTY", "BANKNIFTY"}, "NSE-FO", time.UTC, nil)
	if err != nil {
		t.Fatalf("new multi writer: %v", err)
	}

	m.WriteMany([]models.SnapshotRow{
		sampleRow("NIFTY", 1),
		sampleRow("BANKNIFTY", 2),
		sampleRow("NIFTY", 3),
		sampleRow("SENSEX", 4), // no writer registered, dropped
	})
	m.Flush()

	stats := m.Stats()
	if len(stats) != 2 {
		t.Fatalf("expected stats for 2 underlyings, got %d", len(stats))
	}
	if stats["NIFTY"].RowsWritten != 2 {
		t.Fatalf("NIFTY rows: %d", stats["NIFTY"].RowsWritten)
	}
	if stats["BANKNIFTY"].RowsWritten != 1 {
		t.Fatalf("BANKNIFTY rows: %d", stats["BANKNIFTY"].RowsWritten)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 output files, got %d", len(entries))
	}
}
