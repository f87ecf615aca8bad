// Package archive keeps a copy of every raw provider day snapshot in S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/social-metrics/internal/config"
	"github.com/ignite/social-metrics/internal/domain"
)

// s3API is the subset of the S3 client the archive uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive stores snapshots under <prefix>/<platform>/<account>/<date>.json.
type S3Archive struct {
	client s3API
	bucket string
	prefix string
	now    func() time.Time
}

// envelope is the JSON document stored per day.
type envelope struct {
	AccountID  string          `json:"account_id"`
	Platform   domain.Platform `json:"platform"`
	Date       string          `json:"date"`
	ArchivedAt time.Time       `json:"archived_at"`
	Snapshot   json.RawMessage `json:"snapshot"`
}

// New builds an archive from configuration. Static keys are used when both
// are set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg config.ArchiveConfig) (*S3Archive, error) {
	if !cfg.Enabled() {
		return nil, &domain.ConfigError{Field: "ARCHIVE_S3_BUCKET", Reason: "archive bucket is not configured"}
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for snapshot archive: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.Prefix), nil
}

// NewWithClient builds an archive over an existing client.
func NewWithClient(client s3API, bucket, prefix string) *S3Archive {
	return &S3Archive{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
}

// Key returns the object key for one account day.
func (a *S3Archive) Key(platform domain.Platform, accountID string, date time.Time) string {
	key := fmt.Sprintf("%s/%s/%s.json", platform, accountID, domain.Date(date).Format(domain.DateLayout))
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

// Put writes the raw snapshot of one day, replacing any previous copy.
func (a *S3Archive) Put(ctx context.Context, platform domain.Platform, accountID string, date time.Time, raw json.RawMessage) error {
	key := a.Key(platform, accountID, date)
	body, err := json.Marshal(envelope{
		AccountID:  accountID,
		Platform:   platform,
		Date:       domain.Date(date).Format(domain.DateLayout),
		ArchivedAt: a.now().UTC(),
		Snapshot:   raw,
	})
	if err != nil {
		return fmt.Errorf("marshaling snapshot envelope: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s/%s: %w", a.bucket, key, err)
	}
	return nil
}
