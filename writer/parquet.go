package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"candleflow/config"
	"candleflow/internal/metadata"
	"candleflow/logger"
	"candleflow/models"
)

const archiveComponent = "parquet_archive"

// CandleRecord is the parquet row layout of one bar.
type CandleRecord struct {
	Exchange   string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	BaseAsset  string  `parquet:"name=base_asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	QuoteAsset string  `parquet:"name=quote_asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timeframe  string  `parquet:"name=timeframe, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpenTime   int64   `parquet:"name=open_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	CloseTime  int64   `parquet:"name=close_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open       float64 `parquet:"name=open, type=DOUBLE"`
	High       float64 `parquet:"name=high, type=DOUBLE"`
	Low        float64 `parquet:"name=low, type=DOUBLE"`
	Close      float64 `parquet:"name=close, type=DOUBLE"`
	Volume     float64 `parquet:"name=volume, type=DOUBLE"`
}

func newCandleRecord(c models.Candlestick) CandleRecord {
	return CandleRecord{
		Exchange:   c.Symbol.Exchange().String(),
		Symbol:     c.Symbol.ShortName(),
		BaseAsset:  c.Symbol.BaseAsset(),
		QuoteAsset: c.Symbol.QuoteAsset(),
		Timeframe:  c.Timeframe.String(),
		OpenTime:   c.OpenTime.UnixMilli(),
		CloseTime:  c.CloseTime.UnixMilli(),
		Open:       c.Open,
		High:       c.High,
		Low:        c.Low,
		Close:      c.Close,
		Volume:     c.Volume,
	}
}

// PutObjectAPI is the slice of the S3 client the archive uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

const manifestUploadTimeout = 30 * time.Second

// ParquetArchive uploads every chunk as parquet objects, one per timeframe, under
// <prefix>/exchange=<x>/timeframe=<tf>/date=<day of first bar>/<uuid>.parquet.
// Close uploads a JSON manifest of the run under <prefix>/_manifests/.
type ParquetArchive struct {
	client      PutObjectAPI
	bucket      string
	prefix      string
	compression string
	manifest    *metadata.Manifest
	log         *logger.Log
}

// NewParquetArchive builds an S3 client from cfg. Static credentials are used when both keys are set.
func NewParquetArchive(ctx context.Context, cfg config.ArchiveConfig) (*ParquetArchive, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	a := NewParquetArchiveWithClient(client, cfg)
	a.log.WithComponent(archiveComponent).WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("parquet archive initialized")
	return a, nil
}

func NewParquetArchiveWithClient(client PutObjectAPI, cfg config.ArchiveConfig) *ParquetArchive {
	prefix := strings.Trim(cfg.Prefix, "/")
	return &ParquetArchive{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      prefix,
		compression: strings.ToLower(cfg.Compression),
		manifest:    metadata.NewManifest("candlesticks", "s3://"+path.Join(cfg.Bucket, prefix)),
		log:         logger.GetLogger(),
	}
}

func (a *ParquetArchive) Name() string { return archiveComponent }

func (a *ParquetArchive) Write(ctx context.Context, batches [][]models.Candlestick) error {
	for _, group := range groupByTimeframe(batches) {
		data, err := a.encode(group)
		if err != nil {
			return err
		}
		first := group[0]
		key := a.objectKey(first)
		if err := a.upload(ctx, key, data, "application/octet-stream"); err != nil {
			return err
		}
		a.manifest.Add(metadata.DataFile{
			Path:        fmt.Sprintf("s3://%s/%s", a.bucket, key),
			FileSize:    int64(len(data)),
			RecordCount: int64(len(group)),
			Partition: map[string]string{
				"exchange":  strings.ToLower(first.Symbol.Exchange().String()),
				"timeframe": first.Timeframe.String(),
				"date":      first.OpenTime.UTC().Format("2006-01-02"),
			},
			WrittenAt: time.Now().UTC(),
		})
		a.log.WithComponent(archiveComponent).WithFields(logger.Fields{
			"s3_key":    key,
			"bars":      len(group),
			"file_size": len(data),
		}).Debug("chunk archived")
	}
	return nil
}

// Close uploads the run manifest when anything was archived.
func (a *ParquetArchive) Close() error {
	if a.manifest.Len() == 0 {
		return nil
	}
	data, err := a.manifest.Marshal()
	if err != nil {
		return fmt.Errorf("failed to render manifest: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), manifestUploadTimeout)
	defer cancel()
	key := a.manifest.Key(a.prefix)
	if err := a.upload(ctx, key, data, "application/json"); err != nil {
		return err
	}
	a.log.WithComponent(archiveComponent).WithFields(logger.Fields{
		"s3_key": key,
		"files":  a.manifest.Len(),
	}).Info("archive manifest uploaded")
	return nil
}

func (a *ParquetArchive) encode(bars []models.Candlestick) ([]byte, error) {
	fw, err := buffer.NewBufferFile(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet buffer: %w", err)
	}

	pw, err := pqwriter.NewParquetWriter(fw, new(CandleRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(a.compression)

	for _, c := range bars {
		if err := pw.Write(newCandleRecord(c)); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.(buffer.BufferFile).Bytes(), nil
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch name {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "lzo":
		return parquet.CompressionCodec_LZO
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

func (a *ParquetArchive) objectKey(first models.Candlestick) string {
	parts := []string{
		fmt.Sprintf("exchange=%s", strings.ToLower(first.Symbol.Exchange().String())),
		fmt.Sprintf("timeframe=%s", first.Timeframe),
		fmt.Sprintf("date=%s", first.OpenTime.UTC().Format("2006-01-02")),
		uuid.NewString() + ".parquet",
	}
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (a *ParquetArchive) upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  a.compression,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.bucket, err)
	}
	return nil
}

// groupByTimeframe flattens batches into per-timeframe groups ordered by open time.
func groupByTimeframe(batches [][]models.Candlestick) [][]models.Candlestick {
	byTF := make(map[models.Timeframe][]models.Candlestick)
	var order []models.Timeframe
	for _, batch := range batches {
		for _, c := range batch {
			if _, ok := byTF[c.Timeframe]; !ok {
				order = append(order, c.Timeframe)
			}
			byTF[c.Timeframe] = append(byTF[c.Timeframe], c)
		}
	}

	groups := make([][]models.Candlestick, 0, len(order))
	for _, tf := range order {
		g := byTF[tf]
		sort.SliceStable(g, func(i, j int) bool { return g[i].OpenTime.Before(g[j].OpenTime) })
		groups = append(groups, g)
	}
	return groups
}
