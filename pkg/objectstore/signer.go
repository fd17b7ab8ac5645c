package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// DefaultTTL is how long a signed download URL stays valid.
const DefaultTTL = 15 * time.Minute

// ErrEmptyPath is returned when an item has no archive location.
var ErrEmptyPath = errors.New("storage path is empty")

// Signer turns a stored archive path into a time-limited download URL.
type Signer interface {
	SignedURL(ctx context.Context, path string) (string, error)
}

// Config selects and configures a signer.
type Config struct {
	Driver    string
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	BaseURL   string
	TTL       time.Duration
}

// New builds the signer for cfg.Driver ("s3" or "http").
func New(cfg Config) (Signer, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "s3":
		return NewS3Signer(cfg)
	case "http":
		return NewHTTPSigner(cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported object storage driver: %s", cfg.Driver)
	}
}

// S3Signer presigns GetObject requests. It never talks to S3 itself.
type S3Signer struct {
	client *s3.S3
	bucket string
	ttl    time.Duration
}

// NewS3Signer builds an S3 presigner. Static keys are optional; without them
// the default AWS credential chain is used.
func NewS3Signer(cfg Config) (*S3Signer, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg := &aws.Config{
		Region:           aws.String(region),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &S3Signer{client: s3.New(sess), bucket: cfg.Bucket, ttl: ttl}, nil
}

// SignedURL accepts either a key within the configured bucket or a full
// s3://bucket/key location.
func (s *S3Signer) SignedURL(_ context.Context, path string) (string, error) {
	bucket, key, err := s.locate(path)
	if err != nil {
		return "", err
	}
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	signed, err := req.Presign(s.ttl)
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return signed, nil
}

func (s *S3Signer) locate(path string) (string, string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", "", ErrEmptyPath
	}
	if strings.HasPrefix(path, "s3://") {
		rest := strings.TrimPrefix(path, "s3://")
		bucket, key, ok := strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return "", "", fmt.Errorf("invalid s3 location %q", path)
		}
		return bucket, key, nil
	}
	if s.bucket == "" {
		return "", "", errors.New("object storage bucket is not configured")
	}
	return s.bucket, strings.TrimLeft(path, "/"), nil
}

// HTTPSigner serves archives from a plain base URL, for local storage
// emulators and tests.
type HTTPSigner struct {
	base *url.URL
}

// NewHTTPSigner validates the base URL.
func NewHTTPSigner(baseURL string) (*HTTPSigner, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("object storage base_url is invalid: %q", baseURL)
	}
	return &HTTPSigner{base: u}, nil
}

func (s *HTTPSigner) SignedURL(_ context.Context, path string) (string, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", ErrEmptyPath
	}
	return s.base.JoinPath(strings.Split(path, "/")...).String(), nil
}
