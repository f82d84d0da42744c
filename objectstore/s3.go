package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/creastat/usersync"
)

const (
	s3EncryptionAlgorithm = "AES256"
	dataFileSuffix        = ".db"
	contentTypeSQLite     = "application/vnd.sqlite3"
)

// S3API is the subset of *s3.Client the backend needs.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Backend stores one object per user at <prefix><userID>.db and uses the
// object ETag as version tag. Conditional writes rely on S3 If-Match /
// If-None-Match support.
type S3Backend struct {
	client               S3API
	bucket               string
	prefix               string
	serverSideEncryption bool
	kmsKeyID             string
	skipChecksum         bool
}

// NewS3Backend creates an S3-backed store.
func NewS3Backend(client S3API, bucket, prefix string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// Get implements Backend.
func (s *S3Backend) Get(ctx context.Context, userID string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(userID)),
	})
	if err != nil {
		return nil, s.classify(userID, "", err)
	}
	defer out.Body.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, out.Body); err != nil {
		return nil, usersync.Unavailable(fmt.Errorf("failed to read data file: %w", err))
	}

	return &Object{
		UserID: userID,
		Data:   buf.Bytes(),
		Tag:    aws.ToString(out.ETag),
	}, nil
}

// Create implements Backend.
func (s *S3Backend) Create(ctx context.Context, userID string, data []byte) (string, error) {
	in := s.putInput(userID, data)
	in.IfNoneMatch = aws.String("*")

	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		return "", s.classify(userID, "", err)
	}
	return aws.ToString(out.ETag), nil
}

// Put implements Backend.
func (s *S3Backend) Put(ctx context.Context, userID string, data []byte, expectedTag string) (string, error) {
	in := s.putInput(userID, data)
	in.IfMatch = aws.String(expectedTag)

	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		err = s.classify(userID, expectedTag, err)
		if errors.Is(err, usersync.ErrNotFound) {
			return "", &usersync.ConflictError{UserID: userID, ExpectedTag: expectedTag, Err: err}
		}
		return "", err
	}
	return aws.ToString(out.ETag), nil
}

// Stat implements Backend.
func (s *S3Backend) Stat(ctx context.Context, userID string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(userID)),
	})
	if err != nil {
		return "", s.classify(userID, "", err)
	}
	return aws.ToString(out.ETag), nil
}

// Close implements Backend.
func (s *S3Backend) Close() error {
	return nil
}

func (s *S3Backend) putInput(userID string, data []byte) *s3.PutObjectInput {
	in := &s3.PutObjectInput{
		ContentType:   aws.String(contentTypeSQLite),
		ContentLength: aws.Int64(int64(len(data))),
		Body:          bytes.NewReader(data),
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(userID)),
	}

	if !s.skipChecksum {
		// Precomputed so S3-compatible services that reject trailing checksums still work.
		sum := sha256.Sum256(data)
		in.ChecksumAlgorithm = types.ChecksumAlgorithmSha256
		in.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(sum[:]))
	}

	if s.serverSideEncryption {
		if s.kmsKeyID != "" {
			in.SSEKMSKeyId = aws.String(s.kmsKeyID)
			in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		} else {
			in.ServerSideEncryption = s3EncryptionAlgorithm
		}
	}
	return in
}

func (s *S3Backend) key(userID string) string {
	return s.prefix + userID + dataFileSuffix
}

// classify maps S3 failures onto the usersync taxonomy.
func (s *S3Backend) classify(userID, expectedTag string, err error) error {
	var nk *types.NoSuchKey
	if errors.As(err, &nk) {
		return usersync.ErrNotFound
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return usersync.ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return &usersync.ConflictError{UserID: userID, ExpectedTag: expectedTag, Err: err}
		case "NoSuchKey", "NotFound":
			return usersync.ErrNotFound
		case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName":
			return fmt.Errorf("s3 bucket %q rejected request: %w", s.bucket, err)
		}
	}
	return usersync.Unavailable(err)
}

var _ Backend = (*S3Backend)(nil)
