package assethost

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config describes the bucket artifacts are uploaded to.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// PublicURL is the base URL objects are served from. When empty and
	// PresignTTL is zero, the virtual-hosted S3 URL is returned.
	PublicURL  string
	PresignTTL time.Duration
}

// S3Host uploads artifacts to S3 or an S3-compatible store.
type S3Host struct {
	cfg      S3Config
	uploader *manager.Uploader
	presign  *s3.PresignClient
}

// NewS3Host builds the client from cfg, falling back to the default AWS
// credential chain when no static keys are given.
func NewS3Host(ctx context.Context, cfg S3Config) (*S3Host, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 asset host requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// MinIO and most S3-compatible stores need path-style addressing.
			o.UsePathStyle = true
		}
	})
	if cfg.Region == "" {
		cfg.Region = awsCfg.Region
	}
	return &S3Host{
		cfg:      cfg,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
	}, nil
}

// Put uploads data under a content-addressed key and returns its URL.
func (h *S3Host) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	objKey := contentKey(key, data)
	if h.cfg.Prefix != "" {
		objKey = strings.Trim(h.cfg.Prefix, "/") + "/" + objKey
	}

	_, err := h.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(h.cfg.Bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload s3://%s/%s: %w", h.cfg.Bucket, objKey, err)
	}
	return h.objectURL(ctx, objKey)
}

func (h *S3Host) objectURL(ctx context.Context, objKey string) (string, error) {
	switch {
	case h.cfg.PublicURL != "":
		return strings.TrimRight(h.cfg.PublicURL, "/") + "/" + objKey, nil
	case h.cfg.PresignTTL > 0:
		req, err := h.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(h.cfg.Bucket),
			Key:    aws.String(objKey),
		}, s3.WithPresignExpires(h.cfg.PresignTTL))
		if err != nil {
			return "", fmt.Errorf("failed to presign s3://%s/%s: %w", h.cfg.Bucket, objKey, err)
		}
		return req.URL, nil
	case h.cfg.Endpoint != "":
		return strings.TrimRight(h.cfg.Endpoint, "/") + "/" + h.cfg.Bucket + "/" + objKey, nil
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", h.cfg.Bucket, h.cfg.Region, objKey), nil
	}
}
