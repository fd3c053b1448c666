package dlq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverFile = "file"
	DriverS3   = "s3"
	DriverNone = "none"
)

var ErrInvalidConfig = errors.New("dlq: invalid config")

// Entry is a claim that was confirmed on-chain but could not be recorded.
// Operators replay it through POST /escrow once storage is healthy.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	TxHash       string    `json:"transactionHash"`
	ListingID    string    `json:"listingId"`
	AmountUSD    string    `json:"amountUSD"`
	PayerAddress string    `json:"payerAddress"`
	PayerEmail   string    `json:"payerEmail,omitempty"`
	Signature    string    `json:"signature,omitempty"`
	Error        string    `json:"error"`
}

// Writer stores one entry per tx hash. The first entry for a hash wins.
type Writer interface {
	Write(ctx context.Context, e Entry) error
}

// Depther is implemented by writers that can count their entries.
type Depther interface {
	Depth(ctx context.Context) (int, error)
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Driver string

	// File fields.
	Path string

	// S3 fields.
	Bucket   string
	Prefix   string
	S3Client S3Client
}

func New(cfg Config) (Writer, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverFile, "":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("%w: path is required", ErrInvalidConfig)
		}
		return &FileWriter{dir: cfg.Path}, nil
	case DriverS3:
		if strings.TrimSpace(cfg.Bucket) == "" {
			return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
		}
		if cfg.S3Client == nil {
			return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
		}
		return &S3Writer{
			client: cfg.S3Client,
			bucket: strings.TrimSpace(cfg.Bucket),
			prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		}, nil
	case DriverNone:
		return Discard{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func entryKey(e Entry) (string, error) {
	h := strings.ToLower(strings.TrimSpace(e.TxHash))
	if h == "" || strings.ContainsAny(h, `/\.`) {
		return "", fmt.Errorf("dlq: invalid tx hash %q", e.TxHash)
	}
	return h + ".json", nil
}

// Discard drops entries. Used when no dead-letter sink is configured.
type Discard struct{}

func (Discard) Write(context.Context, Entry) error { return nil }

// FileWriter keeps one JSON file per entry in a directory.
type FileWriter struct {
	dir string
}

func (f *FileWriter) Write(_ context.Context, e Entry) error {
	name, err := entryKey(e)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("dlq mkdir: %w", err)
	}

	fh, err := os.OpenFile(filepath.Join(f.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dlq open: %w", err)
	}
	if _, err := fh.Write(data); err != nil {
		_ = fh.Close()
		return fmt.Errorf("dlq write: %w", err)
	}
	return fh.Close()
}

func (f *FileWriter) Depth(_ context.Context) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n, nil
}

// S3Writer stores entries as objects under prefix. Conditional puts keep
// the first entry for a hash.
type S3Writer struct {
	client S3Client
	bucket string
	prefix string
}

func (s *S3Writer) Write(ctx context.Context, e Entry) error {
	name, err := entryKey(e)
	if err != nil {
		return err
	}
	key := name
	if s.prefix != "" {
		key = s.prefix + "/" + name
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isAlreadyPresent(err) {
			return nil
		}
		return fmt.Errorf("dlq/s3: put %q: %w", key, err)
	}
	return nil
}

func isAlreadyPresent(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	default:
		return false
	}
}
