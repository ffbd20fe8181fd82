// Package storage archives fleet reports to S3 so probe history accumulates
// across runs.
//
// Reports are stored as JSON under a date/region partitioned key layout:
//
//	reports/YYYY/MM/DD/<region>/<run-id>.json
//
// Upload is optional; runs without a configured bucket skip it entirely.
//
// Thread Safety:
//   Archiver instances are safe for concurrent use across goroutines.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// S3API is the S3 client subset the archiver uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads report exports to one bucket.
type Archiver struct {
	client S3API
	bucket string
	region string
	log    logrus.FieldLogger

	// now is swapped out in tests to pin the key layout.
	now func() time.Time
}

// NewArchiver builds an archiver for the bucket in the given region.
func NewArchiver(ctx context.Context, bucket, region, profile string) (*Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		region: region,
		log:    logrus.WithField("bucket", bucket),
		now:    time.Now,
	}, nil
}

// NewArchiverWithClient builds an archiver over an externally supplied
// client. Used by tests.
func NewArchiverWithClient(client S3API, bucket, region string) *Archiver {
	return &Archiver{
		client: client,
		bucket: bucket,
		region: region,
		log:    logrus.WithField("bucket", bucket),
		now:    time.Now,
	}
}

// StoreReport uploads one JSON report export and returns the object key.
func (a *Archiver) StoreReport(ctx context.Context, runID string, reportJSON []byte) (string, error) {
	key := a.objectKey(runID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(reportJSON),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"run-id": runID,
			"region": a.region,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report to s3://%s/%s: %w", a.bucket, key, err)
	}
	a.log.WithField("key", key).Info("report archived")
	return key, nil
}

// objectKey builds the date/region partitioned key for a run.
func (a *Archiver) objectKey(runID string) string {
	t := a.now().UTC()
	return fmt.Sprintf("reports/%04d/%02d/%02d/%s/%s.json",
		t.Year(), t.Month(), t.Day(), a.region, runID)
}
