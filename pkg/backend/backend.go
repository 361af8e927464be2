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

// Package backend declares the capabilities the mission engine needs from a
// cloud provider. The engine depends only on these interfaces; each provider
// gets its own adapter package.
package backend

import (
	"context"
	"io"
	"time"
)

// PoolState is the lifecycle state of a pool.
type PoolState string

const (
	PoolActive   PoolState = "active"
	PoolDeleting PoolState = "deleting"
)

// AllocationState tells whether a pool is changing size.
type AllocationState string

const (
	AllocationSteady   AllocationState = "steady"
	AllocationResizing AllocationState = "resizing"
	AllocationStopping AllocationState = "stopping"
)

// PoolSpec describes a pool to create.
type PoolSpec struct {
	Name        string
	VMSize      string
	Image       string
	TargetNodes int
	MaxNodes    int
	Autoscale   bool
	Preemptible bool
}

// Pool is a point-in-time view of a pool.
type Pool struct {
	Name        string
	Image       string
	State       PoolState
	Allocation  AllocationState
	TargetNodes int
	Autoscale   bool
}

// Node is one compute node of a pool.
type Node struct {
	ID    string
	State NodeState
}

// JobSpec describes a job (task queue) bound to a pool.
type JobSpec struct {
	Name    string
	Pool    string
	Mission string
}

// JobState is the lifecycle state of a job.
type JobState string

const (
	JobActive      JobState = "active"
	JobTerminating JobState = "terminating"
)

// Job is a point-in-time view of a job.
type Job struct {
	Name  string
	State JobState
}

// TaskState is the state a backend reports for a task.
type TaskState string

const (
	TaskActive    TaskState = "active"
	TaskPreparing TaskState = "preparing"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
)

// TaskSpec describes one case's unit of execution. The adapter stages
// InputPrefix from Container onto the node before running Command, and uploads
// the case directory plus stdout and stderr to OutputPrefix when the command
// exits, whether it succeeded or not.
type TaskSpec struct {
	ID           string
	Image        string
	Command      string
	Container    string
	ContainerURL string
	InputPrefix  string
	OutputPrefix string
}

// FailureInfo is set on completed tasks that did not succeed.
type FailureInfo struct {
	Reason   string
	Message  string
	ExitCode int
}

// Task is a point-in-time view of a task.
type Task struct {
	ID          string
	State       TaskState
	Failure     *FailureInfo
	StartedAt   time.Time
	CompletedAt time.Time
}

// PoolClient manages pools.
type PoolClient interface {
	PoolExists(ctx context.Context, name string) (bool, error)
	GetPool(ctx context.Context, name string) (*Pool, error)
	CreatePool(ctx context.Context, spec PoolSpec) error
	ResizePool(ctx context.Context, name string, target int) error
	StopResize(ctx context.Context, name string) error
	DeletePool(ctx context.Context, name string) error
	ListNodes(ctx context.Context, pool string) ([]Node, error)
}

// JobClient manages jobs.
type JobClient interface {
	CreateJob(ctx context.Context, spec JobSpec) error
	GetJob(ctx context.Context, name string) (*Job, error)
	DeleteJob(ctx context.Context, name string) error
}

// TaskClient manages tasks within a job.
type TaskClient interface {
	AddTask(ctx context.Context, job string, spec TaskSpec) error
	GetTask(ctx context.Context, job, id string) (*Task, error)
	ListTasks(ctx context.Context, job string) ([]Task, error)
	DeleteTask(ctx context.Context, job, id string) error
}

// Compute is the full compute backend.
type Compute interface {
	PoolClient
	JobClient
	TaskClient
}

// BlobProps are the properties of a stored object.
type BlobProps struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// ObjectStore is the object-store backend. Blob names use "/" separators.
type ObjectStore interface {
	CreateContainer(ctx context.Context, name string) error
	DeleteContainer(ctx context.Context, name string) error
	ContainerExists(ctx context.Context, name string) (bool, error)

	Upload(ctx context.Context, container, blob string, r io.Reader) (BlobProps, error)
	Download(ctx context.Context, container, blob string, w io.Writer) (BlobProps, error)
	Stat(ctx context.Context, container, blob string) (BlobProps, error)
	DeleteBlob(ctx context.Context, container, blob string) error
	// List returns blobs under prefix. With a non-empty delimiter, names that
	// continue past the delimiter are rolled up into the returned prefixes.
	List(ctx context.Context, container, prefix, delimiter string) ([]BlobProps, []string, error)

	// SignURL grants access to the whole container between start and expiry.
	SignURL(ctx context.Context, container string, start, expiry time.Time) (string, error)
}

// Entity is a metadata table row.
type Entity struct {
	PartitionKey string
	RowKey       string
	LocalPath    string
	LocalMtime   time.Time
	RemoteMtime  time.Time
}

// MetadataTable stores entities keyed by (partition, row) within a named table.
type MetadataTable interface {
	CreateTable(ctx context.Context, table string) error
	DeleteTable(ctx context.Context, table string) error
	GetEntity(ctx context.Context, table, partition, row string) (*Entity, error)
	UpsertEntity(ctx context.Context, table string, e Entity) error
	DeleteEntity(ctx context.Context, table, partition, row string) error
}
