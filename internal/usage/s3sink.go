package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/kenneth/unikey-gateway/internal/config"
)

// S3Sink archives usage record batches as JSONL objects in an S3 bucket.
// Intended to sit behind a BatchSink; each flush becomes one object under
// prefix/YYYY/MM/DD/.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink creates an S3 archive sink.
func NewS3Sink(cfg config.S3SinkConfig) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Options := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Sink{
		client: s3.NewFromConfig(awsCfg, s3Options...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// WriteEvent writes a single record.
func (s *S3Sink) WriteEvent(rec *Record) error {
	return s.WriteBatch([]*Record{rec})
}

// WriteBatch writes a batch of records as one JSONL object.
func (s *S3Sink) WriteBatch(records []*Record) error {
	if len(records) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("%s%s/%s.jsonl", s.keyPrefix(), now.Format("2006/01/02"), uuid.NewString())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("s3 sink put failed (%s): %w", apiErr.ErrorCode(), err)
		}
		return fmt.Errorf("s3 sink put failed: %w", err)
	}
	return nil
}

func (s *S3Sink) keyPrefix() string {
	if s.prefix == "" {
		return "usage/"
	}
	if s.prefix[len(s.prefix)-1] != '/' {
		return s.prefix + "/"
	}
	return s.prefix
}
