// Package s3 writes each delivery as one NDJSON object. Object keys are
// derived from the partition and the cursor range, so a redelivered batch
// overwrites the object it already wrote.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"connector/internal/fault"
	"connector/record"
	"connector/sink"
)

type Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Compression     string `yaml:"compression"` // none|zstd
}

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type driver struct {
	cfg Config
	api putObjectAPI
	enc *zstd.Encoder
}

func newDriver(cfg Config, api putObjectAPI) (*driver, error) {
	d := &driver{cfg: cfg, api: api}
	switch cfg.Compression {
	case "", "none":
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		d.enc = enc
	default:
		return nil, fmt.Errorf("s3-sink: unsupported compression %q", cfg.Compression)
	}
	return d, nil
}

func dial(ctx context.Context, cfg Config) (sink.Adapter, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3-sink: bucket required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3-sink: region required")
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3-sink: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return newDriver(cfg, client)
}

type line struct {
	Key     string            `json:"key,omitempty"`
	Value   json.RawMessage   `json:"value,omitempty"`
	Text    string            `json:"text,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Cursor  record.Cursor     `json:"cursor"`
}

// Deliver is all or nothing: one PutObject per call.
func (d *driver) Deliver(ctx context.Context, partition string, records []record.Transformed) ([]sink.Outcome, error) {
	if len(records) == 0 {
		return nil, nil
	}
	body, err := d.encode(records)
	if err != nil {
		return nil, fault.New(fault.SinkFatal, "s3 encode", err)
	}
	key := d.objectKey(partition, records)
	in := &s3.PutObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if d.enc != nil {
		in.ContentEncoding = aws.String("zstd")
	}
	if _, err := d.api.PutObject(ctx, in); err != nil {
		return nil, classify(fmt.Sprintf("put object %s", key), err)
	}
	return nil, nil
}

func (d *driver) encode(records []record.Transformed) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		l := line{Key: string(r.Key), Headers: r.Headers, Cursor: r.Cursor}
		if json.Valid(r.Value) {
			l.Value = r.Value
		} else {
			l.Text = string(r.Value)
		}
		if err := enc.Encode(l); err != nil {
			return nil, err
		}
	}
	if d.enc == nil {
		return buf.Bytes(), nil
	}
	return d.enc.EncodeAll(buf.Bytes(), nil), nil
}

func (d *driver) objectKey(partition string, records []record.Transformed) string {
	first, last := records[0].Cursor, records[len(records)-1].Cursor
	ext := ".ndjson"
	if d.enc != nil {
		ext += ".zst"
	}
	parts := []string{}
	if p := strings.Trim(d.cfg.Prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, partition, fmt.Sprintf("%s-%s%s", safe(first), safe(last), ext))
	return strings.Join(parts, "/")
}

func safe(c record.Cursor) string {
	return strings.NewReplacer("/", "_", " ", "_", ":", "-").Replace(string(c))
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.SinkTransient, op, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "NoSuchBucket", "InvalidBucketName", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fault.New(fault.SinkFatal, op, err)
		}
	}
	return fault.New(fault.SinkTransient, op, err)
}

func (d *driver) Close() error {
	if d.enc != nil {
		return d.enc.Close()
	}
	return nil
}

func init() {
	sink.Register("s3", func(ctx context.Context, decode sink.Decode) (sink.Adapter, error) {
		var cfg Config
		if err := decode(&cfg); err != nil {
			return nil, fmt.Errorf("s3-sink: %w", err)
		}
		return dial(ctx, cfg)
	})
}
