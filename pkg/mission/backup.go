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

package mission

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	// BackupAPIVersion is the only snapshot version this build reads.
	BackupAPIVersion = "mission-toolkit/v1"
	// BackupKind tags a mission snapshot document.
	BackupKind = "MissionBackup"
	// RemoteBackupBlob is where the snapshot is mirrored in the mission container.
	RemoteBackupBlob = ".mission/backup.yaml"
)

// ErrUnsupportedBackup is returned for snapshots of an unknown kind or version.
var ErrUnsupportedBackup = errors.New("unsupported backup snapshot")

type backupHeader struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
}

type backupDocument struct {
	APIVersion string        `yaml:"apiVersion"`
	Kind       string        `yaml:"kind"`
	SnapshotID string        `yaml:"snapshotId"`
	WrittenAt  time.Time     `yaml:"writtenAt"`
	Mission    backupMission `yaml:"mission"`
}

type backupMission struct {
	Name        string          `yaml:"name"`
	MaxNodes    int             `yaml:"maxNodes"`
	VMSize      string          `yaml:"vmSize"`
	PoolImage   string          `yaml:"poolImage"`
	PinnedImage string          `yaml:"pinnedImage,omitempty"`
	WorkDir     string          `yaml:"workDir"`
	Allocation  Allocation      `yaml:"allocation"`
	Autoscale   bool            `yaml:"autoscale"`
	TaskCommand string          `yaml:"taskCommand"`
	PoolTarget  int             `yaml:"poolTarget"`
	Container   backupContainer `yaml:"container"`
	Tasks       map[string]Task `yaml:"tasks"`
}

type backupContainer struct {
	URL    string    `yaml:"url,omitempty"`
	Expiry time.Time `yaml:"expiry,omitempty"`
}

// EncodeBackup serializes m as a tagged, versioned snapshot taken at now.
func EncodeBackup(m *Mission, now time.Time) ([]byte, error) {
	doc := backupDocument{
		APIVersion: BackupAPIVersion,
		Kind:       BackupKind,
		SnapshotID: uuid.NewString(),
		WrittenAt:  now.UTC(),
		Mission: backupMission{
			Name:        m.Name,
			MaxNodes:    m.MaxNodes,
			VMSize:      m.VMSize,
			PoolImage:   m.PoolImage,
			PinnedImage: m.PinnedImage,
			WorkDir:     m.WorkDir,
			Allocation:  m.Allocation,
			Autoscale:   m.Autoscale,
			TaskCommand: m.TaskCommand,
			PoolTarget:  m.PoolTarget,
			Container:   backupContainer{URL: m.Container.URL, Expiry: m.Container.Expiry},
			Tasks:       m.Ledger.entries(),
		},
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, errors.Wrap(err, "failed to encode backup snapshot")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to flush backup snapshot")
	}
	return buf.Bytes(), nil
}

// DecodeBackup parses a snapshot. Unknown versions and unknown fields are
// rejected instead of being read into the wrong places.
func DecodeBackup(data []byte) (*Mission, error) {
	var header backupHeader
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, errors.Wrap(err, "failed to read backup header")
	}
	if header.Kind != BackupKind || header.APIVersion != BackupAPIVersion {
		return nil, errors.Wrapf(ErrUnsupportedBackup, "kind %q apiVersion %q (want %q %q)",
			header.Kind, header.APIVersion, BackupKind, BackupAPIVersion)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc backupDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode backup snapshot")
	}

	bm := doc.Mission
	spec := Spec{
		Name:        bm.Name,
		MaxNodes:    bm.MaxNodes,
		VMSize:      bm.VMSize,
		PoolImage:   bm.PoolImage,
		WorkDir:     bm.WorkDir,
		Allocation:  bm.Allocation,
		Autoscale:   bm.Autoscale,
		TaskCommand: bm.TaskCommand,
	}
	if err := spec.Validate(); err != nil {
		return nil, errors.Wrap(err, "backup snapshot holds an invalid mission")
	}
	return &Mission{
		Name:        bm.Name,
		MaxNodes:    bm.MaxNodes,
		VMSize:      bm.VMSize,
		PoolImage:   bm.PoolImage,
		PinnedImage: bm.PinnedImage,
		WorkDir:     bm.WorkDir,
		Allocation:  bm.Allocation,
		Autoscale:   bm.Autoscale,
		TaskCommand: bm.TaskCommand,
		PoolTarget:  bm.PoolTarget,
		Container:   ContainerAccess{URL: bm.Container.URL, Expiry: bm.Container.Expiry},
		Ledger:      ledgerFromEntries(bm.Tasks),
	}, nil
}

// BackupStore persists snapshots on a filesystem.
type BackupStore struct {
	Fs  afero.Fs
	Now func() time.Time
}

// NewBackupStore returns a store on fs using the wall clock.
func NewBackupStore(fs afero.Fs) *BackupStore {
	return &BackupStore{Fs: fs, Now: time.Now}
}

// Write stores m at m.BackupPath and returns the encoded bytes so callers can
// mirror them elsewhere. The file is replaced atomically.
func (s *BackupStore) Write(m *Mission) ([]byte, error) {
	data, err := EncodeBackup(m, s.Now())
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(s.Fs, m.BackupPath(), data); err != nil {
		return nil, err
	}
	return data, nil
}

// Read loads a snapshot from path.
func (s *BackupStore) Read(path string) (*Mission, error) {
	data, err := afero.ReadFile(s.Fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read backup %q", path)
	}
	m, err := DecodeBackup(data)
	if err != nil {
		return nil, errors.Wrapf(err, "backup %q", path)
	}
	return m, nil
}

// Exists reports whether a snapshot file is present at path.
func (s *BackupStore) Exists(path string) (bool, error) {
	return afero.Exists(s.Fs, path)
}

// Remove deletes the snapshot at path. A missing file is not an error.
func (s *BackupStore) Remove(path string) error {
	if err := s.Fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove backup %q", path)
	}
	return nil
}

func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory %q: %w", dir, err)
	}
	tmp, err := afero.TempFile(fs, dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary backup file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = fs.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temporary backup file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temporary backup file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temporary backup file: %w", err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to move backup into place at %q: %w", path, err)
	}
	return nil
}
