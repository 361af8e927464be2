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

// Package mission holds the mission aggregate: its identity, the resource names
// derived from it, the task ledger and the backup snapshot format.
package mission

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Allocation selects how pool nodes are billed.
type Allocation string

const (
	AllocationDedicated   Allocation = "dedicated"
	AllocationPreemptible Allocation = "preemptible"
)

// DefaultTaskCommand runs the simulation for one case and converts its output.
const DefaultTaskCommand = "run.py {{.Case}} && createnc.py {{.Case}}"

// Spec is the user-provided description of a mission.
type Spec struct {
	Name        string
	MaxNodes    int
	VMSize      string
	PoolImage   string
	WorkDir     string
	Allocation  Allocation
	Autoscale   bool
	TaskCommand string
}

// ContainerAccess is the access grant issued for the mission's object-store container.
type ContainerAccess struct {
	URL    string
	Expiry time.Time
}

// Mission is the aggregate root. Two missions with the same name address the
// same remote resources.
type Mission struct {
	Name        string
	MaxNodes    int
	VMSize      string
	PoolImage   string
	WorkDir     string
	Allocation  Allocation
	Autoscale   bool
	TaskCommand string

	// PinnedImage is PoolImage resolved to a digest when the pool was created or adopted.
	PinnedImage string
	// PoolTarget is the last target node count set on or adopted from the pool.
	PoolTarget int
	Container  ContainerAccess

	Ledger *Ledger
}

// New validates spec and returns a mission with an empty ledger.
func New(spec Spec) (*Mission, error) {
	if spec.Allocation == "" {
		spec.Allocation = AllocationDedicated
	}
	if spec.TaskCommand == "" {
		spec.TaskCommand = DefaultTaskCommand
	}
	if spec.WorkDir == "" {
		spec.WorkDir = "."
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	workDir, err := filepath.Abs(spec.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory %q: %w", spec.WorkDir, err)
	}

	return &Mission{
		Name:        spec.Name,
		MaxNodes:    spec.MaxNodes,
		VMSize:      spec.VMSize,
		PoolImage:   spec.PoolImage,
		WorkDir:     workDir,
		Allocation:  spec.Allocation,
		Autoscale:   spec.Autoscale,
		TaskCommand: spec.TaskCommand,
		Ledger:      NewLedger(),
	}, nil
}

// Validate reports every problem with the spec at once.
func (s Spec) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("mission name is required"))
	} else if err := validateSlug(s.Name); err != nil {
		errs = append(errs, err)
	}
	if s.MaxNodes < 1 {
		errs = append(errs, fmt.Errorf("maximum node count must be at least 1, got %d", s.MaxNodes))
	}
	if s.PoolImage == "" {
		errs = append(errs, errors.New("pool image is required"))
	}
	switch s.Allocation {
	case AllocationDedicated, AllocationPreemptible:
	default:
		errs = append(errs, fmt.Errorf("allocation must be %q or %q, got %q", AllocationDedicated, AllocationPreemptible, s.Allocation))
	}
	return errors.Join(errs...)
}

// validateSlug rejects names whose slug cannot name a node pool or a bucket.
func validateSlug(name string) error {
	slug := Slug(name)
	switch {
	case slug == "":
		return fmt.Errorf("mission name %q must contain at least one ASCII letter or digit", name)
	case slug[0] < 'a' || slug[0] > 'z':
		return fmt.Errorf("mission name %q must start with a letter", name)
	case len(slug) > MaxSlugLen:
		return fmt.Errorf("mission name %q is longer than %d characters once normalized to %q", name, MaxSlugLen, slug)
	case strings.HasPrefix(slug, "goog") || strings.Contains(slug, "google"):
		return fmt.Errorf("mission name %q may not start with \"goog\" or contain \"google\"", name)
	}
	return nil
}

// Names returns the remote resource names of this mission.
func (m *Mission) Names() Names {
	return NamesFor(m.Name)
}

// BackupPath is the local backup snapshot location.
func (m *Mission) BackupPath() string {
	return filepath.Join(m.WorkDir, m.Name+"_backup.yaml")
}

// Image returns the pinned pool image when known, the configured one otherwise.
func (m *Mission) Image() string {
	if m.PinnedImage != "" {
		return m.PinnedImage
	}
	return m.PoolImage
}

func (m *Mission) String() string {
	names := m.Names()
	return fmt.Sprintf("mission %s: pool=%s job=%s container=%s table=%s maxNodes=%d tasks=%d",
		m.Name, names.Pool, names.Job, names.Container, names.Table, m.MaxNodes, m.Ledger.Len())
}
