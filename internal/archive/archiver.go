package archive

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

const queueDepth = 64

// ParquetRow mirrors the snapshot CSV schema for columnar archive output.
// Optional columns round-trip as parquet OPTIONAL fields.
type ParquetRow struct {
	Ts               int64    `parquet:"name=ts, type=INT64"`
	Venue            string   `parquet:"name=venue, type=BYTE_ARRAY, convertedtype=UTF8"`
	UnderlyingSymbol string   `parquet:"name=underlying_symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	UnderlyingSpot   *float64 `parquet:"name=underlying_spot, type=DOUBLE, repetitiontype=OPTIONAL"`
	InstrumentID     string   `parquet:"name=instrument_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	OptionSymbol     string   `parquet:"name=option_symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiryDate       string   `parquet:"name=expiry_date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strike           float64  `parquet:"name=strike, type=DOUBLE"`
	OptionType       string   `parquet:"name=option_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	BestBidPx        *float64 `parquet:"name=best_bid_px, type=DOUBLE, repetitiontype=OPTIONAL"`
	BestBidSz        *int64   `parquet:"name=best_bid_sz, type=INT64, repetitiontype=OPTIONAL"`
	BestAskPx        *float64 `parquet:"name=best_ask_px, type=DOUBLE, repetitiontype=OPTIONAL"`
	BestAskSz        *int64   `parquet:"name=best_ask_sz, type=INT64, repetitiontype=OPTIONAL"`
	MidPx            *float64 `parquet:"name=mid_px, type=DOUBLE, repetitiontype=OPTIONAL"`
	Spread           *float64 `parquet:"name=spread, type=DOUBLE, repetitiontype=OPTIONAL"`
	LastTradePx      *float64 `parquet:"name=last_trade_px, type=DOUBLE, repetitiontype=OPTIONAL"`
	LastTradeSz      *int64   `parquet:"name=last_trade_sz, type=INT64, repetitiontype=OPTIONAL"`
	BidPx1           *float64 `parquet:"name=bid_px_1, type=DOUBLE, repetitiontype=OPTIONAL"`
	BidSz1           *int64   `parquet:"name=bid_sz_1, type=INT64, repetitiontype=OPTIONAL"`
	BidPx2           *float64 `parquet:"name=bid_px_2, type=DOUBLE, repetitiontype=OPTIONAL"`
	BidSz2           *int64   `parquet:"name=bid_sz_2, type=INT64, repetitiontype=OPTIONAL"`
	BidPx3           *float64 `parquet:"name=bid_px_3, type=DOUBLE, repetitiontype=OPTIONAL"`
	BidSz3           *int64   `parquet:"name=bid_sz_3, type=INT64, repetitiontype=OPTIONAL"`
	AskPx1           *float64 `parquet:"name=ask_px_1, type=DOUBLE, repetitiontype=OPTIONAL"`
	AskSz1           *int64   `parquet:"name=ask_sz_1, type=INT64, repetitiontype=OPTIONAL"`
	AskPx2           *float64 `parquet:"name=ask_px_2, type=DOUBLE, repetitiontype=OPTIONAL"`
	AskSz2           *int64   `parquet:"name=ask_sz_2, type=INT64, repetitiontype=OPTIONAL"`
	AskPx3           *float64 `parquet:"name=ask_px_3, type=DOUBLE, repetitiontype=OPTIONAL"`
	AskSz3           *int64   `parquet:"name=ask_sz_3, type=INT64, repetitiontype=OPTIONAL"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory
// writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)  { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage never seeks backwards.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Archiver re-encodes completed day-files to parquet and ships them to S3,
// or next to the CSV when S3 is disabled. It is fed by writer rollover
// notifications and never mutates the CSV it reads: the CSV on disk stays
// the system of record whether archiving succeeds or not.
type Archiver struct {
	cfg      appconfig.StorageConfig
	version  string
	s3Client *s3.Client
	queue    chan string
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Entry
}

// NewArchiver builds the post-rollover archive pipeline. With S3 enabled in
// the storage config the parquet output is uploaded; otherwise it lands in
// the archive dir.
func NewArchiver(cfg appconfig.StorageConfig, version string) (*Archiver, error) {
	a := &Archiver{
		cfg:     cfg,
		version: version,
		queue:   make(chan string, queueDepth),
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger().WithComponent("archiver"),
	}

	if cfg.S3.Enabled {
		client, err := newS3Client(cfg.S3)
		if err != nil {
			return nil, err
		}
		a.s3Client = client
		a.log.WithFields(logger.Fields{
			"bucket":     cfg.S3.Bucket,
			"region":     cfg.S3.Region,
			"prefix":     cfg.S3.Prefix,
			"endpoint":   cfg.S3.Endpoint,
			"path_style": cfg.S3.PathStyle,
		}).Info("archiver uploading to s3")
	} else {
		a.log.WithFields(logger.Fields{"dir": cfg.Archive.Dir}).Info("archiver writing local parquet")
	}
	return a, nil
}

func newS3Client(cfg appconfig.S3Config) (*s3.Client, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Start launches the archive worker.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.wg.Add(1)
	go a.worker()

	a.log.Info("archiver started")
	return nil
}

// Stop waits for the worker, which drains the queue before exiting. Safe to
// call when never started.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.wg.Wait()
	a.log.Info("archiver stopped")
}

// Enqueue schedules a rolled CSV file for archival. Called from the writer's
// rollover path, so it never blocks: with the queue full the file is skipped
// and stays on disk as CSV only.
func (a *Archiver) Enqueue(path string) {
	select {
	case a.queue <- path:
	default:
		a.log.WithFields(logger.Fields{
			"file": filepath.Base(path),
		}).Warn("archive queue full, leaving file as csv")
	}
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	log := a.log.WithFields(logger.Fields{"worker": "archive"})
	log.Info("starting archive worker")

	for {
		select {
		case <-a.ctx.Done():
			a.drain()
			log.Info("archive worker stopped due to context cancellation")
			return
		case path := <-a.queue:
			a.archiveFile(path)
		}
	}
}

// drain archives whatever is already queued so a shutdown does not orphan
// freshly rolled files.
func (a *Archiver) drain() {
	for {
		select {
		case path := <-a.queue:
			a.archiveFile(path)
		default:
			return
		}
	}
}

func (a *Archiver) archiveFile(path string) {
	base := filepath.Base(path)
	log := a.log.WithFields(logger.Fields{"file": base})

	meta, err := parseFileName(base)
	if err != nil {
		log.WithError(err).Warn("unrecognised file name, skipping archive")
		return
	}

	rows, err := readRows(path)
	if err != nil {
		log.WithError(err).Error("failed to read csv, skipping archive")
		return
	}
	if len(rows) == 0 {
		log.Debug("file has no data rows, skipping archive")
		return
	}

	data, err := a.encodeParquet(rows)
	if err != nil {
		log.WithError(err).Error("failed to encode parquet, skipping archive")
		return
	}

	if a.s3Client != nil {
		key := a.s3Key(meta, base)
		if err := a.upload(key, data); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"bucket": a.cfg.S3.Bucket,
				"s3_key": key,
			}).Error("failed to upload parquet, csv retained")
			return
		}
		log.WithFields(logger.Fields{
			"s3_key":    key,
			"file_size": len(data),
			"rows":      len(rows),
		}).Info("archived to s3")
	} else {
		dest := a.localPath(base)
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			log.WithError(err).Error("failed to write parquet, csv retained")
			return
		}
		log.WithFields(logger.Fields{
			"parquet":   dest,
			"file_size": len(data),
			"rows":      len(rows),
		}).Info("archived to parquet")
	}

	logger.IncrementArchiveUpload(int64(len(data)))
}

// fileMeta is what the archive key layout needs from a rolled file's name,
// e.g. NIFTY_NSEFO_OPTION_CHAIN_1S_20260824_20260824.csv.
type fileMeta struct {
	underlying string
	venue      string
	date       string // YYYY-MM-DD, from the file's start date
}

func parseFileName(base string) (fileMeta, error) {
	name := strings.TrimSuffix(base, filepath.Ext(base))
	parts := strings.Split(name, "_")
	if len(parts) < 7 {
		return fileMeta{}, fmt.Errorf("unexpected file name %q", base)
	}
	start := parts[len(parts)-2]
	if len(start) != 8 {
		return fileMeta{}, fmt.Errorf("unexpected start date in %q", base)
	}
	return fileMeta{
		underlying: parts[0],
		venue:      parts[1],
		date:       fmt.Sprintf("%s-%s-%s", start[:4], start[4:6], start[6:8]),
	}, nil
}

func (a *Archiver) s3Key(meta fileMeta, base string) string {
	filename := strings.TrimSuffix(base, filepath.Ext(base)) + ".parquet"
	parts := []string{
		fmt.Sprintf("venue=%s", meta.venue),
		fmt.Sprintf("underlying=%s", meta.underlying),
		fmt.Sprintf("date=%s", meta.date),
		filename,
	}
	if a.cfg.S3.Prefix != "" {
		parts = append([]string{a.cfg.S3.Prefix}, parts...)
	}
	return filepath.ToSlash(filepath.Join(parts...))
}

func (a *Archiver) localPath(base string) string {
	filename := strings.TrimSuffix(base, filepath.Ext(base)) + ".parquet"
	return filepath.Join(a.cfg.Archive.Dir, filename)
}

func readRows(path string) ([]models.SnapshotRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	if len(records[0]) != len(models.Columns) {
		return nil, fmt.Errorf("expected %d columns, found %d", len(models.Columns), len(records[0]))
	}

	rows := make([]models.SnapshotRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		row, err := parseRow(rec)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(rec []string) (models.SnapshotRow, error) {
	ts, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return models.SnapshotRow{}, fmt.Errorf("parse ts %q: %w", rec[0], err)
	}
	strike, err := strconv.ParseFloat(rec[7], 64)
	if err != nil {
		return models.SnapshotRow{}, fmt.Errorf("parse strike %q: %w", rec[7], err)
	}
	return models.SnapshotRow{
		Ts:               ts,
		Venue:            rec[1],
		UnderlyingSymbol: rec[2],
		UnderlyingSpot:   optFloat(rec[3]),
		InstrumentID:     rec[4],
		OptionSymbol:     rec[5],
		ExpiryDate:       rec[6],
		Strike:           strike,
		OptionType:       rec[8],
		BestBidPx:        optFloat(rec[9]),
		BestBidSz:        optInt(rec[10]),
		BestAskPx:        optFloat(rec[11]),
		BestAskSz:        optInt(rec[12]),
		MidPx:            optFloat(rec[13]),
		Spread:           optFloat(rec[14]),
		LastTradePx:      optFloat(rec[15]),
		LastTradeSz:      optInt(rec[16]),
		BidPx1:           optFloat(rec[17]),
		BidSz1:           optInt(rec[18]),
		BidPx2:           optFloat(rec[19]),
		BidSz2:           optInt(rec[20]),
		BidPx3:           optFloat(rec[21]),
		BidSz3:           optInt(rec[22]),
		AskPx1:           optFloat(rec[23]),
		AskSz1:           optInt(rec[24]),
		AskPx2:           optFloat(rec[25]),
		AskSz2:           optInt(rec[26]),
		AskPx3:           optFloat(rec[27]),
		AskSz3:           optInt(rec[28]),
	}, nil
}

func optFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func optInt(s string) *int64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func (a *Archiver) encodeParquet(rows []models.SnapshotRow) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(ParquetRow), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch a.cfg.Archive.Compression {
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "uncompressed":
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	default:
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	}

	for _, row := range rows {
		if err := pw.Write(toParquetRow(row)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func toParquetRow(r models.SnapshotRow) ParquetRow {
	return ParquetRow{
		Ts:               r.Ts,
		Venue:            r.Venue,
		UnderlyingSymbol: r.UnderlyingSymbol,
		UnderlyingSpot:   r.UnderlyingSpot,
		InstrumentID:     r.InstrumentID,
		OptionSymbol:     r.OptionSymbol,
		ExpiryDate:       r.ExpiryDate,
		Strike:           r.Strike,
		OptionType:       r.OptionType,
		BestBidPx:        r.BestBidPx,
		BestBidSz:        r.BestBidSz,
		BestAskPx:        r.BestAskPx,
		BestAskSz:        r.BestAskSz,
		MidPx:            r.MidPx,
		Spread:           r.Spread,
		LastTradePx:      r.LastTradePx,
		LastTradeSz:      r.LastTradeSz,
		BidPx1:           r.BidPx1,
		BidSz1:           r.BidSz1,
		BidPx2:           r.BidPx2,
		BidSz2:           r.BidSz2,
		BidPx3:           r.BidPx3,
		BidSz3:           r.BidSz3,
		AskPx1:           r.AskPx1,
		AskSz1:           r.AskSz1,
		AskPx2:           r.AskPx2,
		AskSz2:           r.AskSz2,
		AskPx3:           r.AskPx3,
		AskSz3:           r.AskSz3,
	}
}

func (a *Archiver) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"optionflow-version": a.version,
		},
	}

	// Uploads survive the shutdown cancel so a drained queue still lands.
	ctx := context.WithoutCancel(a.ctx)
	_, err := a.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.S3.Bucket, err)
	}
	return nil
}
