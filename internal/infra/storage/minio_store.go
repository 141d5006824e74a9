package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"uci_middleware/internal/domain/storage"
	"uci_middleware/internal/infra/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore implements storage.ObjectStore on an S3-compatible server. Each
// storage area is a bucket.
type MinioStore struct {
	client *minio.Client
	region string
}

func NewMinioClient(cfg config.MinioConfig) (*minio.Client, error) {
	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return client, nil
}

func NewMinioStore(client *minio.Client, region string) *MinioStore {
	return &MinioStore{client: client, region: region}
}

// EnsureAreas creates any missing bucket.
func (s *MinioStore) EnsureAreas(ctx context.Context, areas []string) error {
	for _, bucket := range areas {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("bucket exists %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func (s *MinioStore) location(ref storage.Ref) string {
	return strings.TrimRight(s.client.EndpointURL().String(), "/") + "/" + ref.Area + "/" + ref.Name
}

func (s *MinioStore) Upload(ctx context.Context, ref storage.Ref, data []byte, contentType string, metadata map[string]string) (string, error) {
	_, err := s.client.PutObject(ctx, ref.Area, ref.Name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", ref, err)
	}
	return s.location(ref), nil
}

func (s *MinioStore) Download(ctx context.Context, ref storage.Ref) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, ref.Area, ref.Name, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translate(ref, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.translate(ref, err)
	}
	return data, nil
}

func (s *MinioStore) Exists(ctx context.Context, ref storage.Ref) (bool, error) {
	_, err := s.client.StatObject(ctx, ref.Area, ref.Name, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %s: %w", ref, err)
	}
	return true, nil
}

func (s *MinioStore) Info(ctx context.Context, ref storage.Ref) (*storage.Entry, error) {
	info, err := s.client.StatObject(ctx, ref.Area, ref.Name, minio.StatObjectOptions{})
	if err != nil {
		return nil, s.translate(ref, err)
	}
	return s.toEntry(ref.Area, info), nil
}

func (s *MinioStore) Copy(ctx context.Context, source, dest storage.Ref) (string, error) {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dest.Area, Object: dest.Name},
		minio.CopySrcOptions{Bucket: source.Area, Object: source.Name},
	)
	if err != nil {
		return "", s.translate(source, err)
	}
	return s.location(dest), nil
}

func (s *MinioStore) Delete(ctx context.Context, ref storage.Ref) (bool, error) {
	existed, err := s.Exists(ctx, ref)
	if err != nil {
		return false, err
	}
	if err := s.client.RemoveObject(ctx, ref.Area, ref.Name, minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("remove object %s: %w", ref, err)
	}
	return existed, nil
}

func (s *MinioStore) List(ctx context.Context, area, prefix string) ([]storage.Entry, error) {
	entries := make([]storage.Entry, 0)
	for obj := range s.client.ListObjects(ctx, area, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects %s/%s: %w", area, prefix, obj.Err)
		}
		entries = append(entries, *s.toEntry(area, obj))
	}
	return entries, nil
}

func (s *MinioStore) translate(ref storage.Ref, err error) error {
	if isNoSuchKey(err) {
		return fmt.Errorf("%w: %s", storage.ErrObjectNotFound, ref)
	}
	return fmt.Errorf("object %s: %w", ref, err)
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *MinioStore) toEntry(area string, info minio.ObjectInfo) *storage.Entry {
	meta := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		meta[strings.ToLower(k)] = v
	}
	ref := storage.Ref{Area: area, Name: info.Key}
	return &storage.Entry{
		Ref:          ref,
		Location:     s.location(ref),
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         strings.Trim(info.ETag, "\""),
		LastModified: info.LastModified,
		Metadata:     meta,
	}
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
