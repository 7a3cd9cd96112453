// Package blobstore reads raw email messages from an S3-compatible bucket.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrNotFound is returned when the object does not exist (yet). Blob writes
// are eventually consistent with the queue, so callers retry on it.
var ErrNotFound = errors.New("blobstore: object not found")

// ObjectInfo carries the object metadata the fetcher needs for decoding.
type ObjectInfo struct {
	Key             string
	ContentEncoding string
	Size            int64
}

// ObjectGetter opens an object by key. Implementations return an error
// wrapping ErrNotFound for missing keys.
type ObjectGetter interface {
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store implements ObjectGetter over a single bucket.
type S3Store struct {
	client S3API
	bucket string
}

// NewS3Store creates a store reading from bucket.
func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// NewS3Client builds an S3 client. A non-empty endpoint selects an
// S3-compatible store (R2, MinIO, LocalStack) with path-style addressing.
func NewS3Client(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

// Get implements ObjectGetter.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ObjectInfo{}, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.bucket, key)
		}
		return nil, ObjectInfo{}, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	return out.Body, ObjectInfo{
		Key:             key,
		ContentEncoding: aws.ToString(out.ContentEncoding),
		Size:            aws.ToInt64(out.ContentLength),
	}, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return true
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
