package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "pricewatch/config"
	"pricewatch/logger"
	"pricewatch/models"
)

// objectPutter is the part of *s3.Client the mirror needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Mirror uploads every committed history file to a bucket, optionally
// with a parquet copy partitioned by store and day.
type S3Mirror struct {
	config *appconfig.Config
	client objectPutter
	now    func() time.Time
	log    *logger.Log
}

// NewS3Mirror loads AWS configuration and verifies credentials are present.
func NewS3Mirror(ctx context.Context, cfg *appconfig.Config) (*S3Mirror, error) {
	log := logger.GetLogger()

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
		log.WithComponent("mirror").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("mirror").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
		"parquet":    cfg.Storage.S3.Parquet,
	}).Info("s3 mirror initialized")

	return newS3Mirror(cfg, client), nil
}

func newS3Mirror(cfg *appconfig.Config, client objectPutter) *S3Mirror {
	return &S3Mirror{config: cfg, client: client, now: time.Now, log: logger.GetLogger()}
}

// Mirror uploads records as <prefix>/history/<store>.json and, when enabled,
// a parquet snapshot.
func (m *S3Mirror) Mirror(ctx context.Context, storeID string, records []models.PriceRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history %s: %w", storeID, err)
	}
	if err := m.uploadToS3(ctx, m.historyKey(storeID), data, "application/json"); err != nil {
		return err
	}

	if !m.config.Storage.S3.Parquet {
		return nil
	}
	pq, err := EncodeParquet(storeID, records, m.config.Storage.S3.Compression)
	if err != nil {
		return fmt.Errorf("encode parquet %s: %w", storeID, err)
	}
	return m.uploadToS3(ctx, m.parquetKey(storeID, m.now()), pq, "application/octet-stream")
}

func (m *S3Mirror) historyKey(storeID string) string {
	return path.Join(m.config.Storage.S3.Prefix, "history", storeID+".json")
}

// parquetKey partitions snapshots Hive-style by store and UTC day.
func (m *S3Mirror) parquetKey(storeID string, at time.Time) string {
	at = at.UTC()
	return path.Join(
		m.config.Storage.S3.Prefix,
		"parquet",
		"store="+storeID,
		"date="+at.Format("2006-01-02"),
		fmt.Sprintf("%s_%s.parquet", storeID, at.Format("20060102150405")),
	)
}

func (m *S3Mirror) uploadToS3(ctx context.Context, key string, data []byte, contentType string) error {
	log := m.log.WithComponent("mirror").WithFields(logger.Fields{
		"operation": "upload_to_s3",
		"s3_key":    key,
		"data_size": len(data),
	})

	input := &s3.PutObjectInput{
		Bucket:      aws.String(m.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"compression":        m.config.Storage.S3.Compression,
			"pricewatch-version": m.config.Pricewatch.Version,
		},
	}

	// a cancelled run still finishes uploading what was committed locally
	start := time.Now()
	if _, err := m.client.PutObject(context.WithoutCancel(ctx), input); err != nil {
		log.WithError(err).Error("failed to upload to S3")
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", m.config.Storage.S3.Bucket, err)
	}
	logger.LogPerformanceEntry(log, "mirror", "put_object", time.Since(start), nil)
	log.Info("successfully uploaded to S3")
	return nil
}
