package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"bookstream/config"
	"bookstream/logger"
	"bookstream/models"
)

// tradeRecord is the parquet schema of archived trades. Decimals are kept
// as their exact string form.
type tradeRecord struct {
	Pair         string `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID      string `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence     int64  `parquet:"name=sequence, type=INT64"`
	Price        string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Volume       string `parquet:"name=volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	Counter      string `parquet:"name=counter, type=BYTE_ARRAY, convertedtype=UTF8"`
	MakerOrderID string `parquet:"name=maker_order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TakerOrderID string `parquet:"name=taker_order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp    int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

func newTradeRecord(t models.Trade) tradeRecord {
	return tradeRecord{
		Pair:         t.Pair,
		TradeID:      t.ID,
		Sequence:     int64(t.Sequence),
		Price:        t.Price.String(),
		Volume:       t.Volume.String(),
		Counter:      t.Update.Counter.String(),
		MakerOrderID: t.Update.MakerOrderID,
		TakerOrderID: t.Update.TakerOrderID,
		Timestamp:    t.Timestamp.UnixMilli(),
	}
}

// Uploader is the subset of the S3 client the archive needs.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Uploader builds an S3 client from the storage section. Static
// credentials are used when both keys are set, the default chain otherwise.
func NewS3Uploader(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// Archiver consumes published trades and uploads them to S3 as parquet,
// one file per pair and flush. Buffers are flushed on the interval, when a
// pair reaches MaxRecords, and on Stop.
type Archiver struct {
	cfg      config.ArchiveConfig
	bucket   string
	in       <-chan models.Trade
	uploader Uploader
	now      func() time.Time

	buffer      map[string][]models.Trade
	mu          sync.Mutex
	flushTicker *time.Ticker
	ctx         context.Context
	wg          *sync.WaitGroup
	running     bool
	log         *logger.Log
}

func NewArchiver(cfg *config.Config, in <-chan models.Trade, uploader Uploader) *Archiver {
	return &Archiver{
		cfg:      cfg.Archive,
		bucket:   cfg.Storage.S3.Bucket,
		in:       in,
		uploader: uploader,
		now:      time.Now,
		buffer:   make(map[string][]models.Trade),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("trade archive already running")
	}
	a.running = true
	a.ctx = ctx
	interval := a.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	a.flushTicker = time.NewTicker(interval)
	a.mu.Unlock()

	a.wg.Add(1)
	go a.worker()

	a.log.WithComponent("trade_archive").WithFields(logger.Fields{
		"bucket":         a.bucket,
		"flush_interval": interval.String(),
		"max_records":    a.cfg.MaxRecords,
	}).Info("trade archive started")
	return nil
}

// Stop waits for the consumer to exit and uploads whatever is still
// buffered. The context passed to Start must be cancelled, or the input
// closed, first. Trades left in the input channel are drained.
func (a *Archiver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.wg.Wait()
	a.flushTicker.Stop()
	a.drain()
	a.flushBuffers()
	a.log.WithComponent("trade_archive").Info("trade archive stopped")
}

func (a *Archiver) worker() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.flushTicker.C:
			a.flushBuffers()
		case t, ok := <-a.in:
			if !ok {
				return
			}
			a.add(t)
		}
	}
}

func (a *Archiver) drain() {
	for {
		select {
		case t, ok := <-a.in:
			if !ok {
				return
			}
			a.add(t)
		default:
			return
		}
	}
}

func (a *Archiver) add(t models.Trade) {
	a.mu.Lock()
	a.buffer[t.Pair] = append(a.buffer[t.Pair], t)
	size := len(a.buffer[t.Pair])
	a.mu.Unlock()

	if a.cfg.MaxRecords > 0 && size >= a.cfg.MaxRecords {
		a.flushPair(t.Pair)
	}
}

func (a *Archiver) flushPair(pair string) {
	a.mu.Lock()
	trades := a.buffer[pair]
	delete(a.buffer, pair)
	a.mu.Unlock()

	if len(trades) > 0 {
		a.writeBatch(pair, trades)
	}
}

func (a *Archiver) flushBuffers() {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]models.Trade)
	a.mu.Unlock()

	for pair, trades := range buffers {
		if len(trades) > 0 {
			a.writeBatch(pair, trades)
		}
	}
}

func (a *Archiver) writeBatch(pair string, trades []models.Trade) {
	log := a.log.WithComponent("trade_archive").WithPair(pair)
	start := time.Now()

	data, err := createParquet(trades)
	if err != nil {
		log.WithError(err).Error("create parquet failed")
		return
	}
	key := s3Key(a.cfg.Prefix, pair, a.now())
	if err := a.upload(key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{"records": len(trades)}).Error("upload to s3 failed")
		return
	}
	logger.IncrementArchived(len(trades))
	log.WithFields(logger.Fields{
		"s3_key":      key,
		"records":     len(trades),
		"bytes":       len(data),
		"duration_ms": float64(time.Since(start).Nanoseconds()) / 1e6,
	}).Info("trade batch uploaded")
}

func createParquet(trades []models.Trade) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(tradeRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, t := range trades {
		if err := pw.Write(newTradeRecord(t)); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (a *Archiver) upload(key string, data []byte) error {
	ctx := context.Background()
	if a.ctx != nil {
		ctx = context.WithoutCancel(a.ctx)
	}
	_, err := a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func s3Key(prefix, pair string, ts time.Time) string {
	ts = ts.UTC()
	return path.Join(
		prefix,
		"pair="+pair,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", int(ts.Month())),
		fmt.Sprintf("%02d", ts.Day()),
		fmt.Sprintf("trades_%s_%d.parquet", pair, ts.UnixNano()),
	)
}
