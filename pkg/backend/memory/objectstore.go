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

// Package memory provides in-process backends. They back the unit tests and
// the CLI's rehearsal mode, where a whole mission runs without touching a
// cloud account.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"mission-toolkit/pkg/backend"
)

type storedBlob struct {
	data    []byte
	modTime time.Time
}

// ObjectStore keeps containers and blobs in maps.
type ObjectStore struct {
	mu         sync.Mutex
	now        func() time.Time
	containers map[string]map[string]*storedBlob
	// deleting holds how many more create attempts report "being deleted";
	// a negative value never clears.
	deleting    map[string]int
	createCalls map[string]int
}

var _ backend.ObjectStore = (*ObjectStore)(nil)

// NewObjectStore returns an empty store. now stamps blob modification times;
// nil means the wall clock.
func NewObjectStore(now func() time.Time) *ObjectStore {
	if now == nil {
		now = time.Now
	}
	return &ObjectStore{
		now:         now,
		containers:  map[string]map[string]*storedBlob{},
		deleting:    map[string]int{},
		createCalls: map[string]int{},
	}
}

// MarkBeingDeleted makes the next attempts creations of name fail as if a
// previous deletion were still running. Negative attempts never clear.
func (s *ObjectStore) MarkBeingDeleted(name string, attempts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, name)
	s.deleting[name] = attempts
}

// CreateCalls reports how many times CreateContainer was called for name.
func (s *ObjectStore) CreateCalls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls[name]
}

func (s *ObjectStore) CreateContainer(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls[name]++

	if left, ok := s.deleting[name]; ok && left != 0 {
		if left > 0 {
			s.deleting[name] = left - 1
		}
		return backend.Wrap(backend.ErrBeingDeleted, "container "+name, nil)
	}
	if _, ok := s.containers[name]; ok {
		return backend.Wrap(backend.ErrAlreadyExists, "container "+name, nil)
	}
	s.containers[name] = map[string]*storedBlob{}
	return nil
}

func (s *ObjectStore) DeleteContainer(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[name]; !ok {
		return backend.Wrap(backend.ErrNotFound, "container "+name, nil)
	}
	delete(s.containers, name)
	return nil
}

func (s *ObjectStore) ContainerExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.containers[name]
	return ok, nil
}

func (s *ObjectStore) container(name string) (map[string]*storedBlob, error) {
	c, ok := s.containers[name]
	if !ok {
		return nil, backend.Wrap(backend.ErrNotFound, "container "+name, nil)
	}
	return c, nil
}

func (s *ObjectStore) Upload(ctx context.Context, container, blob string, r io.Reader) (backend.BlobProps, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return backend.BlobProps{}, fmt.Errorf("failed to read upload body for %s: %w", blob, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.container(container)
	if err != nil {
		return backend.BlobProps{}, err
	}
	b := &storedBlob{data: data, modTime: s.now().UTC()}
	c[blob] = b
	return props(blob, b), nil
}

func (s *ObjectStore) Download(ctx context.Context, container, blob string, w io.Writer) (backend.BlobProps, error) {
	s.mu.Lock()
	c, err := s.container(container)
	if err != nil {
		s.mu.Unlock()
		return backend.BlobProps{}, err
	}
	b, ok := c[blob]
	if !ok {
		s.mu.Unlock()
		return backend.BlobProps{}, backend.Wrap(backend.ErrNotFound, "blob "+blob, nil)
	}
	data, p := bytes.Clone(b.data), props(blob, b)
	s.mu.Unlock()

	if _, err := w.Write(data); err != nil {
		return backend.BlobProps{}, fmt.Errorf("failed to write blob %s: %w", blob, err)
	}
	return p, nil
}

func (s *ObjectStore) Stat(ctx context.Context, container, blob string) (backend.BlobProps, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.container(container)
	if err != nil {
		return backend.BlobProps{}, err
	}
	b, ok := c[blob]
	if !ok {
		return backend.BlobProps{}, backend.Wrap(backend.ErrNotFound, "blob "+blob, nil)
	}
	return props(blob, b), nil
}

func (s *ObjectStore) DeleteBlob(ctx context.Context, container, blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.container(container)
	if err != nil {
		return err
	}
	if _, ok := c[blob]; !ok {
		return backend.Wrap(backend.ErrNotFound, "blob "+blob, nil)
	}
	delete(c, blob)
	return nil
}

func (s *ObjectStore) List(ctx context.Context, container, prefix, delimiter string) ([]backend.BlobProps, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.container(container)
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(c))
	for name := range c {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var blobs []backend.BlobProps
	var prefixes []string
	seen := map[string]bool{}
	for _, name := range names {
		if delimiter != "" {
			rest := name[len(prefix):]
			if i := strings.Index(rest, delimiter); i >= 0 {
				p := prefix + rest[:i+len(delimiter)]
				if !seen[p] {
					seen[p] = true
					prefixes = append(prefixes, p)
				}
				continue
			}
		}
		blobs = append(blobs, props(name, c[name]))
	}
	return blobs, prefixes, nil
}

func (s *ObjectStore) SignURL(ctx context.Context, container string, start, expiry time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.container(container); err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("st", start.UTC().Format(time.RFC3339))
	q.Set("se", expiry.UTC().Format(time.RFC3339))
	return "memory://" + container + "?" + q.Encode(), nil
}

// PutBlob writes a blob with an explicit modification time, the way a compute
// node uploading results would.
func (s *ObjectStore) PutBlob(container, blob string, data []byte, modTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.container(container)
	if err != nil {
		return err
	}
	c[blob] = &storedBlob{data: bytes.Clone(data), modTime: modTime.UTC()}
	return nil
}

// DropBlob removes a blob out of band, bypassing any metadata bookkeeping.
func (s *ObjectStore) DropBlob(container, blob string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.containers[container]; ok {
		delete(c, blob)
	}
}

func props(name string, b *storedBlob) backend.BlobProps {
	return backend.BlobProps{Name: name, Size: int64(len(b.data)), ModTime: b.modTime}
}
