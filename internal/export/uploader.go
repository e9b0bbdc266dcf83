package export

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/clipforge/clipd/internal/errors"
	"github.com/clipforge/clipd/internal/resilience"
	"github.com/clipforge/clipd/internal/trace"
)

// UploaderConfig holds object storage settings.
type UploaderConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Uploader ships rendered clips to S3-compatible object storage. Transient
// failures are retried with backoff; while offline, retries are suspended
// until connectivity returns.
type Uploader struct {
	client *minio.Client
	bucket string
	retry  resilience.RetryConfig

	probeInterval time.Duration
}

// NewUploader creates an uploader.
func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfigInvalid, "invalid object storage configuration")
	}
	return &Uploader{
		client:        client,
		bucket:        cfg.Bucket,
		retry:         resilience.UploadRetryConfig(),
		probeInterval: defaultProbeInterval,
	}, nil
}

// Upload stores data under the clip's object key and returns its URL.
func (u *Uploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "upload")
	span.SetAttr("key", key)
	span.SetAttr("bytes", len(data))
	defer func() {
		span.End()
		trace.Logger(ctx).Debug("upload finished", "span", span)
	}()

	err := resilience.Retry(ctx, u.retry, func() error {
		uerr := u.put(ctx, key, data, contentType)
		if uerr != nil && errors.IsCode(uerr, errors.CodeNetOffline) {
			// Backoff alone would burn retries while the link is down.
			if werr := u.waitOnline(ctx); werr != nil {
				return werr
			}
		}
		return uerr
	})
	if err != nil {
		return "", err
	}
	return u.objectURL(key), nil
}

func (u *Uploader) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err == nil {
		return nil
	}
	if isOffline(err) {
		return errors.Wrap(err, errors.CodeNetOffline, "object storage unreachable")
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == 401 || resp.StatusCode == 403 {
		return errors.Wrap(err, errors.CodeAuthUnauthorized, "object storage rejected credentials")
	}
	return errors.Wrapf(err, errors.CodeNetUploadFailed, "upload of %s failed", key)
}

// waitOnline polls the bucket until it is reachable or ctx expires.
func (u *Uploader) waitOnline(ctx context.Context) error {
	slog.Warn("object storage offline, suspending uploads")
	ticker := time.NewTicker(u.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.CodeCancelled, "upload cancelled while offline")
		case <-ticker.C:
			if _, err := u.client.BucketExists(ctx, u.bucket); err == nil {
				slog.Info("object storage reachable again")
				return nil
			}
		}
	}
}

func (u *Uploader) objectURL(key string) string {
	scheme := "https"
	if !strings.HasPrefix(u.client.EndpointURL().String(), "https") {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, u.client.EndpointURL().Host, u.bucket, key)
}

// isOffline distinguishes connectivity loss from upstream rejections.
func isOffline(err error) bool {
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable")
}
