package blob

import (
	"bytes"
	"context"
	"io"
	"psst/pkg/domain"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
)

const s3Timeout = 10 * time.Second

type S3 struct {
	bucket     string
	client     *s3.Client
	presigner  *s3.PresignClient
	presignTTL time.Duration
}

func NewS3(ctx context.Context, region, bucket string, presignTTL time.Duration) (*S3, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket name must not be empty")
	}
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return NewS3FromClient(s3.NewFromConfig(awsCfg), bucket, presignTTL), nil
}

func NewS3FromClient(client *s3.Client, bucket string, presignTTL time.Duration) *S3 {
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &S3{
		bucket:     bucket,
		client:     client,
		presigner:  s3.NewPresignClient(client),
		presignTTL: presignTTL,
	}
}

func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s3Timeout)
	defer cancel()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return errors.Wrapf(domain.ErrStorage, "put %s: %v", key, err)
	}
	return nil
}

func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s3Timeout)
	defer cancel()
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrap(ErrNotFound, key)
		}
		return nil, errors.Wrapf(domain.ErrStorage, "get %s: %v", key, err)
	}
	defer obj.Body.Close()
	data, err := io.ReadAll(io.LimitReader(obj.Body, domain.MaxStoredSize+1))
	if err != nil {
		return nil, errors.Wrapf(domain.ErrStorage, "read %s: %v", key, err)
	}
	return data, nil
}

func (s *S3) PresignedURL(ctx context.Context, key string) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return "", errors.Wrapf(domain.ErrStorage, "presign %s: %v", key, err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}
