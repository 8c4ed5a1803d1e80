package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
)

const maxFetchBytes = 32 << 20

type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	PublicBaseURL string
	UsePathStyle  bool
}

// ObjectAPI is the subset of the S3 client the uploader calls.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Uploader stores images in an S3-compatible bucket behind a public base URL.
type Uploader struct {
	cfg        Config
	client     ObjectAPI
	httpClient *http.Client
	now        func() time.Time
}

func NewUploader(cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}
	if cfg.PublicBaseURL == "" {
		return nil, fmt.Errorf("s3 public base url is required")
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return NewUploaderWithClient(cfg, s3.New(options)), nil
}

func NewUploaderWithClient(cfg Config, client ObjectAPI) *Uploader {
	return &Uploader{
		cfg:        cfg,
		client:     client,
		httpClient: &http.Client{Timeout: time.Minute},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Store writes data under key in bucket (the configured bucket when empty)
// and returns its public URL.
func (u *Uploader) Store(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("no data to upload")
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	if bucket == "" {
		bucket = u.cfg.Bucket
	}
	key = strings.TrimLeft(key, "/")

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}
	return u.publicBase() + "/" + key, nil
}

// Upload stores data under a generated dated key below prefix.
func (u *Uploader) Upload(ctx context.Context, prefix string, data []byte, contentType string) (string, error) {
	return u.Store(ctx, "", u.Key(prefix, contentType), data, contentType)
}

// Fetch reads an object back. URLs under the public base are read through the
// S3 API; anything else is fetched over HTTP.
func (u *Uploader) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if key, ok := strings.CutPrefix(rawURL, u.publicBase()+"/"); ok {
		out, err := u.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(u.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, "", fmt.Errorf("get object %s: %w", key, err)
		}
		defer out.Body.Close()
		data, err := io.ReadAll(io.LimitReader(out.Body, maxFetchBytes))
		if err != nil {
			return nil, "", fmt.Errorf("read object %s: %w", key, err)
		}
		return data, aws.ToString(out.ContentType), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Key builds prefix/YYYY/MM/DD/<uuid>.<ext>.
func (u *Uploader) Key(prefix, contentType string) string {
	now := u.now()
	return path.Join(strings.Trim(prefix, "/"), fmt.Sprintf("%04d/%02d/%02d", now.Year(), now.Month(), now.Day()), uuid.NewString()+ExtensionFromContentType(contentType))
}

func (u *Uploader) publicBase() string {
	return strings.TrimRight(u.cfg.PublicBaseURL, "/")
}

func ExtensionFromContentType(contentType string) string {
	switch strings.ToLower(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	default:
		return ".bin"
	}
}
