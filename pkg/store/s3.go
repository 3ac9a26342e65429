package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

const (
	s3MetaKey     = "Cache-Key"
	s3MetaCreated = "Created-At"
)

// S3Options configures an S3-compatible bucket.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	AccessKey string
	SecretKey string
}

// S3Store keeps one object per key. S3 replaces objects atomically, so no
// local locking is needed.
type S3Store struct {
	client s3iface.S3API
	bucket string
	prefix string
}

// NewS3Store builds a client from opts. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain applies.
func NewS3Store(opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 store: bucket is required")
	}
	awsConfig := &aws.Config{
		Region:           aws.String(opts.Region),
		S3ForcePathStyle: aws.Bool(true),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, "")
	}
	if opts.Endpoint != "" {
		awsConfig.Endpoint = aws.String(opts.Endpoint)
	}
	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	return NewS3StoreWithClient(s3.New(sess), opts.Bucket, opts.Prefix), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client s3iface.S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) objectKey(key string) string {
	return s.prefix + digest(key)
}

func (s *S3Store) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, &StorageError{Op: "has", Key: key, Err: err}
}

func (s *S3Store) Get(ctx context.Context, key string) (*Entry, error) {
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	entry := &Entry{Key: key, Content: content}
	if v := metaValue(resp.Metadata, s3MetaCreated); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			entry.CreatedAt = t
		}
	}
	if entry.CreatedAt.IsZero() && resp.LastModified != nil {
		entry.CreatedAt = *resp.LastModified
	}
	return entry, nil
}

func (s *S3Store) Put(ctx context.Context, key string, content []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("text/plain; charset=utf-8"),
		Metadata: map[string]*string{
			s3MetaKey:     aws.String(key),
			s3MetaCreated: aws.String(time.Now().UTC().Format(time.RFC3339Nano)),
		},
	})
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: fmt.Errorf("s3 upload failed: %w", err)}
	}
	return nil
}

func (s *S3Store) Close() error { return nil }

func isS3NotFound(err error) bool {
	if rf, ok := err.(awserr.RequestFailure); ok && rf.StatusCode() == http.StatusNotFound {
		return true
	}
	if ae, ok := err.(awserr.Error); ok {
		switch ae.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// metaValue looks up user metadata regardless of how the SDK cased the key.
func metaValue(m map[string]*string, name string) string {
	for k, v := range m {
		if strings.EqualFold(k, name) && v != nil {
			return *v
		}
	}
	return ""
}
