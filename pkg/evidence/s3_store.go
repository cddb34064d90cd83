package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/loopgate/core/pkg/contracts"
	"github.com/loopgate/core/pkg/refs"
)

// S3Store keeps evidence packets in an S3-compatible bucket, one object per
// content address. Works against MinIO via a custom endpoint.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config configures the bucket-backed store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for MinIO / LocalStack
	Prefix   string // optional key prefix, e.g. "evidence/"
}

// NewS3Store builds a store from the ambient AWS configuration.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidence: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Store) key(addr refs.ContentAddress) string {
	return s.prefix + strings.TrimPrefix(addr.String(), "sha256:") + ".json"
}

func (s *S3Store) Put(ctx context.Context, packet *contracts.EvidencePacket, declared refs.ContentAddress) (refs.ContentAddress, error) {
	data, addr, err := encode(packet)
	if err != nil {
		return "", err
	}
	if err := checkDeclared(addr, declared); err != nil {
		return "", err
	}
	key := s.key(addr)
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		// First writer already won.
		return addr, nil
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("evidence: s3 put %s: %w", addr, err)
	}
	return addr, nil
}

func (s *S3Store) Get(ctx context.Context, addr refs.ContentAddress) (*contracts.EvidencePacket, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(addr)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
		}
		return nil, fmt.Errorf("evidence: s3 get %s: %w", addr, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("evidence: s3 read %s: %w", addr, err)
	}
	return decodeVerified(data, addr)
}

func (s *S3Store) Has(ctx context.Context, addr refs.ContentAddress) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(addr)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("evidence: s3 head %s: %w", addr, err)
	}
	return true, nil
}

func isS3NotFound(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}
