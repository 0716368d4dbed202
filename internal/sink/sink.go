// Package sink persists market events flowing through the hub fan-out to
// S3 as parquet files. It buffers flattened rows per (exchange, channel,
// symbol) and flushes them as partitioned batches on a timer and at
// shutdown.
package sink

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "markethub/config"
	"markethub/internal/hub"
	"markethub/logger"
	"markethub/models"
)

// marketRecord is one flattened row in the persisted parquet files. A ticker
// event produces bid/ask/last rows, a trade event one row, an order book
// event one row per level.
type marketRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Channel   string  `parquet:"name=channel, type=BYTE_ARRAY, convertedtype=UTF8"`
	Field     string  `parquet:"name=field, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Quantity  float64 `parquet:"name=quantity, type=DOUBLE"`
	Level     int32   `parquet:"name=level, type=INT32"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
}

// Sink buffers flattened market rows and flushes them to S3.
type Sink struct {
	cfg      appconfig.S3Config
	appName  string
	version  string
	s3Client *s3.Client

	mu      sync.Mutex
	buffer  map[string][]marketRecord
	running bool

	ctx         context.Context
	wg          sync.WaitGroup
	flushTicker *time.Ticker
	log         *logger.Entry
}

// New creates a sink writing to the configured bucket. AWS credentials come
// from the config or the default provider chain.
func New(cfg *appconfig.Config) (*Sink, error) {
	log := logger.GetLogger().WithComponent("sink")

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	s := &Sink{
		cfg:      cfg.Storage.S3,
		appName:  cfg.Markethub.Name,
		version:  cfg.Markethub.Version,
		s3Client: s3Client,
		buffer:   make(map[string][]marketRecord),
		log:      log,
	}

	log.WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("sink initialized")

	return s, nil
}

// Listener returns the fan-out listener that feeds the sink's buffers.
func (s *Sink) Listener() hub.Listener {
	return func(_ string, update models.Update) {
		rows := flatten(update)
		if len(rows) == 0 {
			return
		}
		key := bufferKey(update.Exchange, string(update.Channel), update.Symbol)

		s.mu.Lock()
		if s.running {
			s.buffer[key] = append(s.buffer[key], rows...)
		}
		s.mu.Unlock()
	}
}

// Start begins the periodic flush worker.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sink already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	interval := s.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	s.flushTicker = time.NewTicker(interval)

	s.wg.Add(1)
	go s.flushWorker()

	s.log.WithFields(logger.Fields{"flush_interval": interval}).Info("sink started")
	return nil
}

// Stop drains the buffers and waits for the flush worker.
func (s *Sink) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if s.flushTicker != nil {
		s.flushTicker.Stop()
	}

	s.log.Info("stopping sink")
	s.wg.Wait()
	s.log.Info("sink stopped")
}

func (s *Sink) flushWorker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.flushBuffers("shutdown")
			return
		case <-s.flushTicker.C:
			s.flushBuffers("interval")
		}
	}
}

func (s *Sink) flushBuffers(reason string) {
	s.mu.Lock()
	buffers := s.buffer
	s.buffer = make(map[string][]marketRecord)
	s.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	s.log.WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for key, rows := range buffers {
		if len(rows) == 0 {
			continue
		}
		parts := strings.SplitN(key, "|", 3)
		s.processBatch(parts[0], parts[1], parts[2], rows)
	}
}

func (s *Sink) processBatch(exchange, channel, symbol string, rows []marketRecord) {
	batchID := uuid.New().String()
	now := time.Now().UTC()

	log := s.log.WithFields(logger.Fields{
		"batch_id":     batchID,
		"exchange":     exchange,
		"channel":      channel,
		"symbol":       symbol,
		"record_count": len(rows),
	})

	data, err := buildParquet(rows)
	if err != nil {
		log.WithError(err).Error("failed to build parquet batch")
		return
	}

	key := s.objectKey(exchange, channel, symbol, now)
	if err := s.upload(key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"bucket": s.cfg.Bucket,
			"s3_key": key,
		}).Error("failed to upload batch")
		return
	}

	logger.IncrementSnapshotPersisted(int64(len(data)))
	log.WithFields(logger.Fields{"s3_key": key, "file_size": len(data)}).Info("batch uploaded")
}

// objectKey builds a hive-partitioned S3 key for the batch.
func (s *Sink) objectKey(exchange, channel, symbol string, ts time.Time) string {
	parts := []string{}
	if s.cfg.Prefix != "" {
		parts = append(parts, s.cfg.Prefix)
	}
	parts = append(parts,
		fmt.Sprintf("exchange=%s", exchange),
		fmt.Sprintf("channel=%s", channel),
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("year=%04d/month=%02d/day=%02d/hour=%02d", ts.Year(), ts.Month(), ts.Day(), ts.Hour()),
		fmt.Sprintf("%s_%s_%s.parquet", exchange, symbol, ts.Format("20060102150405")),
	)
	return filepath.ToSlash(filepath.Join(parts...))
}

func buildParquet(rows []marketRecord) ([]byte, error) {
	fw := newMemoryFile()

	pw, err := writer.NewParquetWriter(fw, new(marketRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	return fw.Bytes(), nil
}

func (s *Sink) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"markethub-version": s.version,
		},
	}

	ctx := context.WithoutCancel(s.ctx)
	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", s.cfg.Bucket, err)
	}
	return nil
}

func bufferKey(exchange, channel, symbol string) string {
	return exchange + "|" + channel + "|" + symbol
}

// flatten turns an update into persisted rows. Account channels (orders,
// balances) are not persisted here.
func flatten(update models.Update) []marketRecord {
	switch update.Channel {
	case models.ChannelTicker:
		t := update.Ticker
		if t == nil {
			return nil
		}
		ts := t.Timestamp.UnixMilli()
		return []marketRecord{
			{Exchange: t.Exchange, Symbol: t.Symbol, Channel: string(update.Channel), Field: "bid", Price: t.Bid, Quantity: t.BidSize, Timestamp: ts},
			{Exchange: t.Exchange, Symbol: t.Symbol, Channel: string(update.Channel), Field: "ask", Price: t.Ask, Quantity: t.AskSize, Timestamp: ts},
			{Exchange: t.Exchange, Symbol: t.Symbol, Channel: string(update.Channel), Field: "last", Price: t.Last, Timestamp: ts},
		}

	case models.ChannelTrades:
		t := update.Trade
		if t == nil {
			return nil
		}
		side := "sell"
		if t.TakerBuy {
			side = "buy"
		}
		return []marketRecord{{
			Exchange:  t.Exchange,
			Symbol:    t.Symbol,
			Channel:   string(update.Channel),
			Field:     side,
			Price:     t.Price,
			Quantity:  t.Quantity,
			Timestamp: t.Timestamp.UnixMilli(),
		}}

	case models.ChannelOrderBook:
		b := update.OrderBook
		if b == nil {
			return nil
		}
		ts := b.Timestamp.UnixMilli()
		rows := make([]marketRecord, 0, len(b.Bids)+len(b.Asks))
		for i, level := range b.Bids {
			rows = append(rows, marketRecord{
				Exchange: b.Exchange, Symbol: b.Symbol, Channel: string(update.Channel),
				Field: "bid", Price: level.Price, Quantity: level.Quantity,
				Level: int32(i + 1), Timestamp: ts,
			})
		}
		for i, level := range b.Asks {
			rows = append(rows, marketRecord{
				Exchange: b.Exchange, Symbol: b.Symbol, Channel: string(update.Channel),
				Field: "ask", Price: level.Price, Quantity: level.Quantity,
				Level: int32(i + 1), Timestamp: ts,
			})
		}
		return rows
	}
	return nil
}
