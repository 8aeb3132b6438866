package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Compile-time check that S3Backend implements Backend.
var _ Backend = (*S3Backend)(nil)

// S3Config holds the configuration for S3 storage.
type S3Config struct {
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
}

// S3Backend stores objects in an S3-compatible service. The location's
// container is the bucket name.
type S3Backend struct {
	client  *s3.Client
	presign *s3.PresignClient
}

// NewS3Backend creates a new S3Backend from cfg.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, clientOpts...)

	return &S3Backend{
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// Stat issues a HeadObject request.
func (b *S3Backend) Stat(ctx context.Context, loc Location) (ObjectInfo, error) {
	if !loc.Valid() {
		return ObjectInfo{}, ErrInvalidLocation
	}

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Container),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, fmt.Errorf("head object %s: %w", loc, err)
	}

	info := ObjectInfo{
		Location:    loc,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
		Metadata:    out.Metadata,
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// Open issues a GetObject request with a Range header when a window is requested.
// The returned body streams from the service; nothing is buffered here.
func (b *S3Backend) Open(ctx context.Context, loc Location, offset, length int64) (io.ReadCloser, error) {
	if !loc.Valid() {
		return nil, ErrInvalidLocation
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(loc.Container),
		Key:    aws.String(loc.Key),
	}
	if r := s3Range(offset, length); r != "" {
		in.Range = aws.String(r)
	}

	out, err := b.client.GetObject(ctx, in)
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", loc, err)
	}
	return out.Body, nil
}

// ReplaceMetadata copies the object onto itself with MetadataDirective=REPLACE,
// which S3 applies as one atomic request.
//
// REPLACE also resets Content-Type, so the current one is carried over when a
// HeadObject can see the object. In optimistic mode a not-found from that
// lookup is tolerated and the copy is attempted anyway.
func (b *S3Backend) ReplaceMetadata(ctx context.Context, loc Location, metadata map[string]string, mode WriteMode) error {
	if !loc.Valid() {
		return ErrInvalidLocation
	}

	var contentType string
	info, err := b.Stat(ctx, loc)
	switch {
	case err == nil:
		contentType = info.ContentType
	case errors.Is(err, ErrObjectNotFound) && mode == ModeOptimistic:
	default:
		return err
	}

	in := &s3.CopyObjectInput{
		Bucket:            aws.String(loc.Container),
		Key:               aws.String(loc.Key),
		CopySource:        aws.String(url.PathEscape(loc.Container) + "/" + escapeKey(loc.Key)),
		Metadata:          metadata,
		MetadataDirective: types.MetadataDirectiveReplace,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}

	if _, err := b.client.CopyObject(ctx, in); err != nil {
		return fmt.Errorf("replace metadata %s (%s): %w", loc, mode, err)
	}
	return nil
}

// SignUpload presigns a PutObject request for loc.
func (b *S3Backend) SignUpload(ctx context.Context, loc Location, ttl time.Duration) (string, error) {
	if !loc.Valid() {
		return "", ErrInvalidLocation
	}

	req, err := b.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(loc.Container),
		Key:    aws.String(loc.Key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", loc, err)
	}
	return req.URL, nil
}

// s3Range renders an HTTP Range value for GetObject, or "" for the whole object.
func s3Range(offset, length int64) string {
	switch {
	case offset <= 0 && length < 0:
		return ""
	case length < 0:
		return fmt.Sprintf("bytes=%d-", offset)
	default:
		return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
}

// escapeKey escapes each path segment of an object key for CopySource.
func escapeKey(key string) string {
	return (&url.URL{Path: key}).EscapedPath()
}

// isS3NotFound reports whether err is a missing-object response.
func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
