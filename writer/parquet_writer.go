package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "optionflow/config"
	"optionflow/internal/analytics"
	"optionflow/internal/channel"
	"optionflow/internal/metrics"
	"optionflow/logger"
)

// maxBufferedRecords caps one expiry's unflushed rows.
const maxBufferedRecords = 2_000_000

// ParquetRecord is one strike and window of one snapshot.
type ParquetRecord struct {
	Expiry       string  `parquet:"name=expiry, type=BYTE_ARRAY, convertedtype=UTF8"`
	FetchedAt    int64   `parquet:"name=fetched_at, type=INT64"`
	Strike       float64 `parquet:"name=strike, type=DOUBLE"`
	CallVolume   int64   `parquet:"name=call_volume, type=INT64"`
	PutVolume    int64   `parquet:"name=put_volume, type=INT64"`
	TotalSignal  string  `parquet:"name=total_signal, type=BYTE_ARRAY, convertedtype=UTF8"`
	WindowMin    int32   `parquet:"name=window_minutes, type=INT32"`
	CallDelta    int64   `parquet:"name=call_delta, type=INT64"`
	PutDelta     int64   `parquet:"name=put_delta, type=INT64"`
	WindowSignal string  `parquet:"name=window_signal, type=BYTE_ARRAY, convertedtype=UTF8"`
	Role         string  `parquet:"name=role, type=BYTE_ARRAY, convertedtype=UTF8"`
	ATM          int64   `parquet:"name=atm, type=INT64"`
	Spot         float64 `parquet:"name=spot, type=DOUBLE"`
}

// recordsFromSnapshot flattens a snapshot to one record per strike and window.
func recordsFromSnapshot(snap analytics.Snapshot) []ParquetRecord {
	spot := 0.0
	if snap.Spot.Valid {
		spot = snap.Spot.Decimal.InexactFloat64()
	}
	fetched := snap.FetchedAt.UnixMilli()

	out := make([]ParquetRecord, 0, len(snap.Rows)*len(snap.Windows))
	for _, row := range snap.Rows {
		for _, iv := range row.Intervals {
			out = append(out, ParquetRecord{
				Expiry:       snap.Expiry,
				FetchedAt:    fetched,
				Strike:       row.Strike,
				CallVolume:   row.CallVolume,
				PutVolume:    row.PutVolume,
				TotalSignal:  string(row.Signal),
				WindowMin:    int32(iv.Minutes),
				CallDelta:    iv.Call,
				PutDelta:     iv.Put,
				WindowSignal: string(iv.Signal),
				Role:         row.Role,
				ATM:          snap.ATM,
				Spot:         spot,
			})
		}
	}
	return out
}

// memoryFileWriter implements ParquetFile interface for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{
		buffer: &bytes.Buffer{},
	}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

// Seek only reports the write position; the writer never seeks backwards.
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ParquetWriter buffers snapshot rows per expiry and uploads them to S3 as
// parquet objects on every flush interval.
type ParquetWriter struct {
	config   *appconfig.Config
	sub      *channel.Subscription
	s3Client objectPutter
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Log
	buffer   map[string][]ParquetRecord
	stats    metrics.WriterStats
}

func NewParquetWriter(cfg *appconfig.Config, sub *channel.Subscription) (*ParquetWriter, error) {
	log := logger.GetLogger()

	ctx := context.Background()

	// Configure AWS options
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	// Validate credentials
	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("s3_writer").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("s3 writer initialized")

	return newParquetWriter(cfg, sub, s3Client), nil
}

func newParquetWriter(cfg *appconfig.Config, sub *channel.Subscription, client objectPutter) *ParquetWriter {
	return &ParquetWriter{
		config:   cfg,
		sub:      sub,
		s3Client: client,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		buffer:   make(map[string][]ParquetRecord),
	}
}

func (w *ParquetWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("s3 writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"flush_interval": w.config.Storage.S3.FlushInterval.String(),
	}).Info("starting s3 writer")

	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop cancels the writer loop, which flushes buffered records before
// returning.
func (w *ParquetWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()

	w.log.WithComponent("s3_writer").Info("stopping s3 writer")
	w.wg.Wait()
	w.log.WithComponent("s3_writer").Info("s3 writer stopped")
}

func (w *ParquetWriter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Storage.S3.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flush("shutdown")
			return
		case snap, ok := <-w.sub.C:
			if !ok {
				w.flush("closed")
				return
			}
			w.add(snap)
		case <-ticker.C:
			w.flush("interval")
		}
	}
}

func (w *ParquetWriter) add(snap analytics.Snapshot) {
	records := recordsFromSnapshot(snap)
	if len(records) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buffer[snap.Expiry])+len(records) > maxBufferedRecords {
		metrics.EmitDropMetric(w.log, metrics.DropMetricSinkRecord, "s3_writer", snap.Expiry, "buffer")
		return
	}
	w.buffer[snap.Expiry] = append(w.buffer[snap.Expiry], records...)
}

func (w *ParquetWriter) flush(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]ParquetRecord)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	start := time.Now()
	expiries := make([]string, 0, len(buffers))
	for expiry := range buffers {
		expiries = append(expiries, expiry)
	}
	sort.Strings(expiries)

	for _, expiry := range expiries {
		w.upload(expiry, buffers[expiry], start)
	}

	logger.LogPerformanceEntry(w.log.WithComponent("s3_writer"), "s3_writer", "flush", time.Since(start), logger.Fields{
		"reason":   reason,
		"expiries": len(expiries),
	})
	metrics.ReportWriter(w.log, "s3_writer", w.stats)
}

func (w *ParquetWriter) upload(expiry string, records []ParquetRecord, at time.Time) {
	key := w.objectKey(expiry, at)
	log := w.log.WithComponent("s3_writer").WithExpiry(expiry).WithFields(logger.Fields{
		"records": len(records),
		"s3_key":  key,
	})

	data, err := w.createParquetFile(records)
	if err != nil {
		w.stats.ErrorsCount++
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.uploadToS3(key, data); err != nil {
		w.stats.ErrorsCount++
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": w.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	w.stats.BatchesWritten++
	w.stats.FilesWritten++
	w.stats.BytesWritten += int64(len(data))
	logger.IncrementSinkWrite(int64(len(data)))
	logger.LogDataFlowEntry(log, "engine", "s3://"+w.config.Storage.S3.Bucket+"/"+key, len(records), "option_flow_rows")
}

// objectKey lays objects out as
// <prefix>/expiry=<expiry>/year=YYYY/month=MM/day=DD/hour=HH/<expiry>_<ts>_<id>.parquet.
func (w *ParquetWriter) objectKey(expiry string, at time.Time) string {
	at = at.UTC()
	prefix := strings.Trim(w.config.Storage.S3.Prefix, "/")
	parts := []string{}
	if prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts,
		"expiry="+expiry,
		fmt.Sprintf("year=%04d", at.Year()),
		fmt.Sprintf("month=%02d", at.Month()),
		fmt.Sprintf("day=%02d", at.Day()),
		fmt.Sprintf("hour=%02d", at.Hour()),
		fmt.Sprintf("%s_%s_%s.parquet", expiry, at.Format("20060102150405"), uuid.New().String()[:8]),
	)
	return path.Join(parts...)
}

func (w *ParquetWriter) createParquetFile(records []ParquetRecord) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Storage.S3.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, record := range records {
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *ParquetWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        w.config.Storage.S3.Compression,
			"optionflow-version": w.config.Optionflow.Version,
		},
	}

	ctx := context.Background()
	if w.ctx != nil {
		ctx = context.WithoutCancel(w.ctx)
	}
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}
	return nil
}
