// Package s3uploader is the concrete sink.Uploader backed by
// github.com/aws/aws-sdk-go-v2/service/s3, grounded on the same
// PutObject-per-flush shape as the original Rust wasmflow's S3Writer and
// on the corpus's cloud-storage sink pattern (a long-lived client, one
// object per flushed buffer, construction errors distinct from per-request
// errors).
package s3uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cenkalti/backoff/v4"
)

// Uploader wraps an *s3.Client and classifies failures per spec §7:
// construction errors are returned by New; a per-request HTTP 4xx other
// than 429 is permanent; everything else (5xx, 429, network failures) is
// transient and left for the caller (internal/sink.Sink) to retry.
type Uploader struct {
	client *s3.Client
}

// Credentials carries optional static SASL/PLAIN-style credentials for
// the object store; a nil Credentials uses the default AWS credential
// chain (environment, shared config, instance role).
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// New resolves the AWS config for region and builds an s3.Client. A
// failure here (bad region, unreachable credential provider) is a
// construction-time error and is always permanent per spec §4.3/§7.
func New(ctx context.Context, region string, creds *Credentials) (*Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if creds != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3uploader: loading AWS config: %w", err)
	}

	return &Uploader{client: s3.NewFromConfig(cfg)}, nil
}

// Upload performs a single PutObject attempt. Errors the SDK would never
// retry on its own (bad request shape, missing/invalid credentials) are
// wrapped with backoff.Permanent so internal/sink.Sink's retry loop stops
// immediately instead of burning its backoff budget; everything else
// (network errors, 5xx, throttling) is returned as-is for the caller to
// retry.
func (u *Uploader) Upload(ctx context.Context, bucket, key string, body []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err == nil {
		return nil
	}
	if isPermanent(err) {
		return backoff.Permanent(err)
	}
	return err
}

// isPermanent reports whether err reflects a request the SDK constructed
// incorrectly (4xx other than throttling) rather than a transient
// condition (network failure, 5xx, throttling).
func isPermanent(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == 429 || code >= 500 {
			return false
		}
		if code >= 400 {
			return true
		}
	}
	// No HTTP response at all (DNS failure, connection refused, request
	// never left the client) is treated as transient — these are the
	// network errors spec §7 classifies as sink-transient.
	return false
}
