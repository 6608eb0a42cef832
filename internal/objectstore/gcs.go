package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"actnexus/internal/platform/config"
)

// GCSStore is the Google Cloud Storage gateway. STORAGE_EMULATOR_HOST or an
// explicit endpoint point it at an emulator.
type GCSStore struct {
	client      *storage.Client
	bucket      string
	projectID   string
	signerEmail string
	signerKey   []byte
	logger      *slog.Logger
}

// NewGCS builds a client from cfg.
func NewGCS(ctx context.Context, cfg config.ObjectStoreConfig, logger *slog.Logger) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	} else if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	s := &GCSStore{
		client:      client,
		bucket:      cfg.Bucket,
		projectID:   cfg.ProjectID,
		signerEmail: cfg.SignerEmail,
		logger:      logger,
	}
	if cfg.SignerKeyFile != "" {
		key, err := os.ReadFile(cfg.SignerKeyFile)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("read signer key: %w", err)
		}
		s.signerKey = key
	}
	return s, nil
}

// Bucket is the default bucket documents are written to.
func (s *GCSStore) Bucket() string {
	return s.bucket
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

// EnsureContainerExists creates the bucket when missing. A concurrent creator
// winning the race is not an error.
func (s *GCSStore) EnsureContainerExists(ctx context.Context, name string) error {
	bucket := s.client.Bucket(name)
	_, err := bucket.Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("stat bucket %s: %w", name, err)
	}
	if err := bucket.Create(ctx, s.projectID, nil); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	s.logger.InfoContext(ctx, "created object store bucket", "bucket", name)
	return nil
}

// Put writes data under a fresh key below prefix.
func (s *GCSStore) Put(ctx context.Context, data []byte, filename, prefix string) (Ref, error) {
	if err := validatePut(data, filename); err != nil {
		return Ref{}, err
	}
	now := time.Now()
	ref := Ref{Bucket: s.bucket, Key: NewKey(prefix, filename, now)}

	w := s.client.Bucket(ref.Bucket).Object(ref.Key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = ContentTypeFor(filename)
	w.Metadata = newMetadata(filename, len(data), now)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return Ref{}, fmt.Errorf("write object %s: %w", ref, err)
	}
	if err := w.Close(); err != nil {
		return Ref{}, fmt.Errorf("finalize object %s: %w", ref, err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	r, err := s.client.Bucket(ref.Bucket).Object(ref.Key).NewReader(ctx)
	if err != nil {
		return nil, translate(err, "open object", ref)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", ref, err)
	}
	return data, nil
}

// PresignedURL returns a V4 signed URL valid for ttl.
func (s *GCSStore) PresignedURL(ctx context.Context, ref Ref, ttl time.Duration, method string) (string, error) {
	method, err := validateMethod(method)
	if err != nil {
		return "", err
	}
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  method,
		Expires: time.Now().Add(ttl),
	}
	if s.signerEmail != "" {
		opts.GoogleAccessID = s.signerEmail
	}
	if len(s.signerKey) > 0 {
		opts.PrivateKey = s.signerKey
	}
	url, err := s.client.Bucket(ref.Bucket).SignedURL(ref.Key, opts)
	if err != nil {
		return "", fmt.Errorf("sign url for %s: %w", ref, err)
	}
	return url, nil
}

func (s *GCSStore) Delete(ctx context.Context, ref Ref) error {
	if err := s.client.Bucket(ref.Bucket).Object(ref.Key).Delete(ctx); err != nil {
		return translate(err, "delete object", ref)
	}
	return nil
}

// List returns the objects of the default bucket below prefix.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var out []ObjectInfo
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects %s/%s: %w", s.bucket, prefix, err)
		}
		out = append(out, infoFromAttrs(attrs))
	}
	return out, nil
}

func (s *GCSStore) Stat(ctx context.Context, ref Ref) (ObjectInfo, error) {
	attrs, err := s.client.Bucket(ref.Bucket).Object(ref.Key).Attrs(ctx)
	if err != nil {
		return ObjectInfo{}, translate(err, "stat object", ref)
	}
	return infoFromAttrs(attrs), nil
}

func infoFromAttrs(attrs *storage.ObjectAttrs) ObjectInfo {
	return ObjectInfo{
		Key:          attrs.Name,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
		Metadata:     attrs.Metadata,
	}
}

func translate(err error, op string, ref Ref) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s %s: %w", op, ref, ErrObjectNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, ref, err)
}
