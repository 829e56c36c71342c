package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"reward_wallet/internal/config"
	"reward_wallet/internal/ratelimit"
)

type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// ObjectPutter is the part of *s3.Client the uploader needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Uploader struct {
	client ObjectPutter
	bucket string
}

func NewS3Uploader(client ObjectPutter, bucket string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket}
}

// NewR2Uploader builds an uploader for Cloudflare R2's S3-compatible endpoint.
func NewR2Uploader(ctx context.Context, cfg config.ReportConfig) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID))
		o.UsePathStyle = true
	})
	return NewS3Uploader(client, cfg.Bucket), nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// DailyJob builds the previous UTC day's summary and uploads it as JSON.
type DailyJob struct {
	builder  *Builder
	uploader Uploader
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewDailyJob(builder *Builder, uploader Uploader, log logrus.FieldLogger) *DailyJob {
	return &DailyJob{builder: builder, uploader: uploader, log: log, now: time.Now}
}

func Key(day time.Time) string {
	return "reports/daily/" + day.UTC().Format("2006-01-02") + ".json"
}

func (j *DailyJob) Run(ctx context.Context) error {
	to := ratelimit.StartOfDay(j.now())
	from := to.AddDate(0, 0, -1)

	summary, err := j.builder.Build(ctx, "", from, to)
	if err != nil {
		return err
	}
	body, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	key := Key(from)
	if err := j.uploader.Upload(ctx, key, body, "application/json"); err != nil {
		return err
	}
	j.log.WithFields(logrus.Fields{
		"key":            key,
		"rewards":        summary.Rewards,
		"total_credited": summary.TotalCredited,
		"total_debited":  summary.TotalDebited,
	}).Info("daily report uploaded")
	return nil
}
