package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
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

	appconfig "github.com/coinlordd/pear-limit-engine/config"
	"github.com/coinlordd/pear-limit-engine/logger"
	"github.com/coinlordd/pear-limit-engine/models"
)

// TradeRecord is one settled trade as stored in the archive.
type TradeRecord struct {
	TradeID         string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	PairID          string  `parquet:"name=pair_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderID         string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	State           string  `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	RatioTarget     float64 `parquet:"name=ratio_target, type=DOUBLE"`
	RatioLast       float64 `parquet:"name=ratio_last, type=DOUBLE"`
	Size            float64 `parquet:"name=size, type=DOUBLE"`
	OrdersPlaced    int32   `parquet:"name=orders_placed, type=INT32"`
	FilledAmount    float64 `parquet:"name=filled_amount, type=DOUBLE"`
	AvgPrice        float64 `parquet:"name=avg_price, type=DOUBLE"`
	RemainingAmount float64 `parquet:"name=remaining_amount, type=DOUBLE"`
	FinalPrice      float64 `parquet:"name=final_price, type=DOUBLE"`
	PnL             float64 `parquet:"name=pnl, type=DOUBLE"`
	ExecutedAt      int64   `parquet:"name=executed_at, type=INT64"`
	SettledAt       int64   `parquet:"name=settled_at, type=INT64"`
	CreatedAt       int64   `parquet:"name=created_at, type=INT64"`
}

func toRecord(t models.Trade) TradeRecord {
	r := TradeRecord{
		TradeID:     t.ID.String(),
		PairID:      t.PairID,
		OrderID:     t.OrderID,
		State:       string(t.State),
		RatioTarget: t.RatioTarget,
		Size:        t.Size,
		CreatedAt:   t.CreatedAt.UnixMilli(),
	}
	if t.RatioLast != nil {
		r.RatioLast = *t.RatioLast
	}
	if t.Result == nil {
		return r
	}
	if e := t.Result.Execution; e != nil {
		r.OrdersPlaced = int32(e.OrdersPlaced)
		r.FilledAmount = e.FilledAmount
		r.AvgPrice = e.AvgPrice
		r.ExecutedAt = e.Timestamp
	}
	if s := t.Result.Settlement; s != nil {
		r.RemainingAmount = s.RemainingAmount
		r.FinalPrice = s.FinalPrice
		r.PnL = s.PnL
		r.SettledAt = s.SettlementTime
	}
	return r
}

// memoryFileWriter is a source.ParquetFile that writes into a buffer.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }

// Seek only reports the write position; the parquet writer never seeks back.
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Uploader is the S3 call the archive needs. *s3.Client satisfies it.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveWriter buffers settled trades per pair and periodically uploads
// them to S3 as one parquet file per pair.
type ArchiveWriter struct {
	writerCfg appconfig.WriterConfig
	s3Cfg     appconfig.S3Config
	version   string
	in        <-chan models.Trade
	uploader  Uploader
	log       *logger.Log
	now       func() time.Time

	mu      sync.Mutex
	running bool
	buffer  map[string][]models.Trade
	ctx     context.Context
	wg      sync.WaitGroup
}

// NewArchiveWriter builds the S3 client from cfg.Storage.S3.
func NewArchiveWriter(ctx context.Context, cfg *appconfig.Config, in <-chan models.Trade) (*ArchiveWriter, error) {
	client, err := newS3Client(ctx, cfg.Storage.S3)
	if err != nil {
		return nil, err
	}
	return NewArchiveWriterWithUploader(cfg, in, client), nil
}

func NewArchiveWriterWithUploader(cfg *appconfig.Config, in <-chan models.Trade, uploader Uploader) *ArchiveWriter {
	return &ArchiveWriter{
		writerCfg: cfg.Writer,
		s3Cfg:     cfg.Storage.S3,
		version:   cfg.App.Version,
		in:        in,
		uploader:  uploader,
		log:       logger.GetLogger(),
		now:       time.Now,
		buffer:    make(map[string][]models.Trade),
	}
}

func newS3Client(ctx context.Context, cfg appconfig.S3Config) (*s3.Client, error) {
	log := logger.GetLogger().WithComponent("archive_writer")

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 client initialized")
	return client, nil
}

// Start consumes the input channel until it is closed or ctx is done and
// flushes every FlushInterval. Remaining trades are flushed on exit.
func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	interval := w.writerCfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}

	w.wg.Add(1)
	go w.worker(interval)

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flush_interval": interval,
		"bucket":         w.s3Cfg.Bucket,
	}).Info("archive writer started")
	return nil
}

// Stop waits for the worker to finish its final flush.
func (w *ArchiveWriter) Stop() {
	w.wg.Wait()
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) worker(interval time.Duration) {
	defer w.wg.Done()
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "archive"})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffers("shutdown")
			log.Info("worker stopped due to context cancellation")
			return
		case <-ticker.C:
			w.flushBuffers("interval")
		case trade, ok := <-w.in:
			if !ok {
				w.flushBuffers("input_closed")
				log.Info("settled channel closed, worker stopping")
				return
			}
			if w.add(trade) {
				w.flushBuffers("max_buffered")
			}
		}
	}
}

// add buffers trade and reports whether its pair reached MaxBuffered.
func (w *ArchiveWriter) add(trade models.Trade) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer[trade.PairID] = append(w.buffer[trade.PairID], trade)
	return w.writerCfg.MaxBuffered > 0 && len(w.buffer[trade.PairID]) >= w.writerCfg.MaxBuffered
}

func (w *ArchiveWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.Trade)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}
	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for pair, trades := range buffers {
		if len(trades) == 0 {
			continue
		}
		w.processBatch(pair, trades)
	}
}

func (w *ArchiveWriter) processBatch(pair string, trades []models.Trade) {
	batchID := uuid.New().String()[:8]
	ts := w.now().UTC()
	key := w.generateS3Key(pair, ts, batchID)

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"pair":         pair,
		"batch_id":     batchID,
		"record_count": len(trades),
		"s3_key":       key,
	})

	data, err := w.createParquetFile(trades)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}
	if err := w.uploadToS3(key, data); err != nil {
		log.WithError(err).WithEnv("S3_BUCKET").Error("failed to upload to S3")
		return
	}
	logger.Incr(logger.ArchiveUploads, 1)
	logger.LogDataFlowEntry(log, "finalizer", "s3", len(trades), "settled_trades")
	log.WithField("file_size", len(data)).Info("batch uploaded")
}

// generateS3Key lays files out as
// [prefix/]pair=<pair>/<yyyy>/<mm>/<dd>/<pair>_trades_<ts>_<batch>.parquet.
func (w *ArchiveWriter) generateS3Key(pair string, ts time.Time, batchID string) string {
	filename := fmt.Sprintf("%s_trades_%s_%s.parquet", pair, ts.Format("20060102150405"), batchID)
	parts := []string{
		"pair=" + pair,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		filename,
	}
	if w.s3Cfg.Prefix != "" {
		parts = append([]string{w.s3Cfg.Prefix}, parts...)
	}
	return path.Join(parts...)
}

func (w *ArchiveWriter) createParquetFile(trades []models.Trade) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(TradeRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.writerCfg.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, t := range trades {
		if err := pw.Write(toRecord(t)); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *ArchiveWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.s3Cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":   "parquet",
			"compression":    w.writerCfg.Compression,
			"engine-version": w.version,
		},
	}
	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.uploader.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.s3Cfg.Bucket, err)
	}
	return nil
}
