// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package gcs stores mission containers as Cloud Storage buckets.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"mission-toolkit/pkg/backend"
)

// MaxSignedURLTTL is the longest validity Cloud Storage accepts for a V4
// signed URL.
const MaxSignedURLTTL = 7 * 24 * time.Hour

// Config holds bucket placement and call pacing.
type Config struct {
	Project  string
	Location string
	// RateLimit caps store calls per second; zero disables pacing.
	RateLimit float64
	Burst     int
}

// Store implements backend.ObjectStore on Cloud Storage.
type Store struct {
	client  *storage.Client
	cfg     Config
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

var _ backend.ObjectStore = (*Store)(nil)

// New wraps an existing client.
func New(client *storage.Client, cfg Config, log logrus.FieldLogger) *Store {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Store{client: client, cfg: cfg, limiter: limiter, log: log}
}

// Dial creates a client from a service account key file, or from application
// default credentials when credentialsFile is empty.
func Dial(ctx context.Context, cfg Config, credentialsFile string, log logrus.FieldLogger) (*Store, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return New(client, cfg, log), nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed waiting for storage rate limiter: %w", err)
	}
	return nil
}

func (s *Store) CreateContainer(ctx context.Context, name string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	attrs := &storage.BucketAttrs{
		Location:                 s.cfg.Location,
		UniformBucketLevelAccess: storage.UniformBucketLevelAccess{Enabled: true},
		Labels:                   map[string]string{"managed-by": "mission-toolkit"},
	}
	if err := s.client.Bucket(name).Create(ctx, s.cfg.Project, attrs); err != nil {
		return createErr("container "+name, err)
	}
	s.log.WithField("container", name).Infof("Created bucket in %s", s.cfg.Location)
	return nil
}

// DeleteContainer empties the bucket first; Cloud Storage refuses to delete a
// bucket that still holds objects.
func (s *Store) DeleteContainer(ctx context.Context, name string) error {
	bucket := s.client.Bucket(name)
	it := bucket.Objects(ctx, &storage.Query{Projection: storage.ProjectionNoACL})
	var errs []error
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return mapErr("container "+name, err)
		}
		if err := s.wait(ctx); err != nil {
			return err
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", attrs.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := bucket.Delete(ctx); err != nil {
		return mapErr("container "+name, err)
	}
	return nil
}

func (s *Store) ContainerExists(ctx context.Context, name string) (bool, error) {
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	_, err := s.client.Bucket(name).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrBucketNotExist):
		return false, nil
	}
	return false, mapErr("container "+name, err)
}

func (s *Store) Upload(ctx context.Context, container, blob string, r io.Reader) (backend.BlobProps, error) {
	if err := s.wait(ctx); err != nil {
		return backend.BlobProps{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(container).Object(blob).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return backend.BlobProps{}, fmt.Errorf("failed to upload %s: %w", blob, mapErr("blob "+blob, err))
	}
	if err := w.Close(); err != nil {
		return backend.BlobProps{}, fmt.Errorf("failed to upload %s: %w", blob, mapErr("blob "+blob, err))
	}
	return props(w.Attrs()), nil
}

func (s *Store) Download(ctx context.Context, container, blob string, w io.Writer) (backend.BlobProps, error) {
	if err := s.wait(ctx); err != nil {
		return backend.BlobProps{}, err
	}
	r, err := s.client.Bucket(container).Object(blob).NewReader(ctx)
	if err != nil {
		return backend.BlobProps{}, mapErr("blob "+blob, err)
	}
	defer r.Close()
	if _, err := io.Copy(w, r); err != nil {
		return backend.BlobProps{}, fmt.Errorf("failed to download %s: %w", blob, err)
	}
	return backend.BlobProps{
		Name:    blob,
		Size:    r.Attrs.Size,
		ModTime: r.Attrs.LastModified.UTC(),
	}, nil
}

func (s *Store) Stat(ctx context.Context, container, blob string) (backend.BlobProps, error) {
	if err := s.wait(ctx); err != nil {
		return backend.BlobProps{}, err
	}
	attrs, err := s.client.Bucket(container).Object(blob).Attrs(ctx)
	if err != nil {
		return backend.BlobProps{}, mapErr("blob "+blob, err)
	}
	return props(attrs), nil
}

func (s *Store) DeleteBlob(ctx context.Context, container, blob string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	if err := s.client.Bucket(container).Object(blob).Delete(ctx); err != nil {
		return mapErr("blob "+blob, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, container, prefix, delimiter string) ([]backend.BlobProps, []string, error) {
	if err := s.wait(ctx); err != nil {
		return nil, nil, err
	}
	q := &storage.Query{Prefix: prefix, Delimiter: delimiter, Projection: storage.ProjectionNoACL}

	var blobs []backend.BlobProps
	var prefixes []string
	it := s.client.Bucket(container).Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, nil, mapErr("container "+container, err)
		}
		if attrs.Prefix != "" {
			prefixes = append(prefixes, attrs.Prefix)
			continue
		}
		blobs = append(blobs, props(attrs))
	}
	return blobs, prefixes, nil
}

// SignURL returns a V4 signed URL for the bucket. Cloud Storage has no
// delayed start, so start only anchors the expiry, which is capped at
// MaxSignedURLTTL.
func (s *Store) SignURL(ctx context.Context, container string, start, expiry time.Time) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	capped := capExpiry(start, expiry)
	if !capped.Equal(expiry) {
		s.log.WithField("container", container).Warnf("Signed URL validity capped at %s", MaxSignedURLTTL)
	}
	u, err := s.client.Bucket(container).SignedURL("", &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: capped,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for %s: %w", container, err)
	}
	return u, nil
}

func capExpiry(start, expiry time.Time) time.Time {
	if limit := start.Add(MaxSignedURLTTL); expiry.After(limit) {
		return limit
	}
	return expiry
}

func props(attrs *storage.ObjectAttrs) backend.BlobProps {
	return backend.BlobProps{Name: attrs.Name, Size: attrs.Size, ModTime: attrs.Updated.UTC()}
}

// mapErr translates Cloud Storage errors into backend sentinels. A 409 on a
// bucket we already own means it exists. Anything unrecognized is returned
// unchanged.
func mapErr(resource string, err error) error {
	if errors.Is(err, storage.ErrBucketNotExist) || errors.Is(err, storage.ErrObjectNotExist) {
		return backend.Wrap(backend.ErrNotFound, resource, err)
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case http.StatusNotFound:
		return backend.Wrap(backend.ErrNotFound, resource, err)
	case http.StatusConflict:
		if alreadyExists(gerr) {
			return backend.Wrap(backend.ErrAlreadyExists, resource, err)
		}
	}
	return err
}

// createErr maps a bucket creation failure. Any other conflict on creation
// means a bucket of the same name is still being deleted.
func createErr(resource string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusConflict && !alreadyExists(gerr) {
		return backend.Wrap(backend.ErrBeingDeleted, resource, err)
	}
	return mapErr(resource, err)
}

func alreadyExists(gerr *googleapi.Error) bool {
	msg := strings.ToLower(gerr.Message)
	return strings.Contains(msg, "already own") || strings.Contains(msg, "already exists")
}
