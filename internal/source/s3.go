package source

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// ErrObjectNotFound is returned when the S3 object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// S3API is the subset of the S3 client used to read objects.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Object reads an S3 object with ranged GETs, one per ReadAt.
type S3Object struct {
	ctx    context.Context
	client S3API
	bucket string
	key    string
	size   int64
	etag   string
}

// NewS3Source looks up the object and returns it as an upload source. ctx
// governs every later read. Reads pin the ETag seen here so a concurrent
// overwrite surfaces as a read error instead of mixed content.
func NewS3Source(ctx context.Context, client S3API, bucket, key string) (*S3Object, error) {
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to check object: %w", err)
	}
	return &S3Object{
		ctx:    ctx,
		client: client,
		bucket: bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
		etag:   aws.ToString(head.ETag),
	}, nil
}

func (o *S3Object) Size() int64 { return o.size }

func (o *S3Object) Close() error { return nil }

func (o *S3Object) ReadAt(p []byte, off int64) (int, error) {
	if off >= o.size {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), o.size) - 1
	input := &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	}
	if o.etag != "" {
		input.IfMatch = aws.String(o.etag)
	}
	out, err := o.client.GetObject(o.ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to get object range: %w", err)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, p[:end-off+1])
	if err != nil {
		return n, fmt.Errorf("failed to read object range: %w", err)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
