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

package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mission-toolkit/pkg/backend"
	"mission-toolkit/pkg/backend/memory"
	"mission-toolkit/pkg/clock"
	"mission-toolkit/pkg/mission"
)

var start = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(ctx context.Context, ref string) (string, error) {
	args := m.Called(ctx, ref)
	return args.String(0), args.Error(1)
}

type harness struct {
	m       *mission.Mission
	fs      afero.Fs
	clock   *clock.Manual
	compute *memory.Compute
	store   *memory.ObjectStore
	table   *memory.Table
	ctrl    *Controller
}

func newHarness(t *testing.T, computeOpts memory.ComputeOptions, mutate func(*mission.Spec), deps ...func(*Deps)) *harness {
	t.Helper()
	spec := mission.Spec{
		Name:      "demo",
		MaxNodes:  4,
		VMSize:    "e2-standard-4",
		PoolImage: "registry.example.com/geoclaw:1.0",
		WorkDir:   "/work",
	}
	if mutate != nil {
		mutate(&spec)
	}
	m, err := mission.New(spec)
	require.NoError(t, err)

	h := &harness{
		m:       m,
		fs:      afero.NewMemMapFs(),
		clock:   clock.NewManual(start),
		compute: memory.NewCompute(computeOpts),
		store:   memory.NewObjectStore(nil),
		table:   memory.NewTable(),
	}
	d := Deps{Compute: h.compute, Store: h.store, Table: h.table}
	for _, fn := range deps {
		fn(&d)
	}
	h.ctrl = New(m, d,
		WithFs(h.fs),
		WithClock(h.clock),
		WithSteadyPoll(time.Millisecond),
	)
	return h
}

func TestEnsureContainerRetriesWhileBeingDeleted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.ComputeOptions{}, nil)
	container := h.m.Names().Container
	h.store.MarkBeingDeleted(container, 3)

	outcome, err := h.ctrl.EnsureContainer(ctx)
	require.NoError(t, err)
	assert.Equal(t, ContainerCreated, outcome)
	assert.Equal(t, 4, h.store.CreateCalls(container))
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, h.clock.Sleeps())
}

func TestEnsureContainerRaceTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.ComputeOptions{}, nil)
	container := h.m.Names().Container
	h.store.MarkBeingDeleted(container, -1)

	_, err := h.ctrl.EnsureContainer(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceRaceTimeout))
	assert.True(t, backend.IsBeingDeleted(err), "last backend error stays reachable")

	var timeout *ResourceRaceTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, DefaultRaceRetryAttempts, timeout.Attempts)
	assert.Equal(t, 600*time.Second, timeout.Waited)

	assert.Equal(t, 121, h.store.CreateCalls(container), "one initial attempt plus 120 retries")
	assert.Len(t, h.clock.Sleeps(), 120)
	assert.Equal(t, 600*time.Second, h.clock.Slept())
	assert.Empty(t, h.m.Container.URL, "mission state is untouched")
}

func TestEnsureContainerHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(t, memory.ComputeOptions{}, nil)
	h.store.MarkBeingDeleted(h.m.Names().Container, -1)

	_, err := h.ctrl.EnsureContainer(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, h.store.CreateCalls(h.m.Names().Container))
}

func TestEnsureContainerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.ComputeOptions{}, nil)

	outcome, err := h.ctrl.EnsureContainer(ctx)
	require.NoError(t, err)
	assert.Equal(t, ContainerCreated, outcome)
	assert.NotEmpty(t, h.m.Container.URL)
	assert.Equal(t, start.Add(DefaultAccessTTL), h.m.Container.Expiry)

	outcome, err = h.ctrl.EnsureContainer(ctx)
	require.NoError(t, err)
	assert.Equal(t, ContainerExisted, outcome)

	// The metadata table exists alongside the container.
	require.NoError(t, h.table.UpsertEntity(ctx, h.m.Names().Table, backend.Entity{PartitionKey: "p", RowKey: "r"}))

	require.NoError(t, h.ctrl.DeleteContainer(ctx))
	require.NoError(t, h.ctrl.DeleteContainer(ctx), "deleting twice is a no-op")
	exists, err := h.store.ContainerExists(ctx, h.m.Names().Container)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, h.m.Container.URL)
}

func TestBackupMirror(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.ComputeOptions{}, nil)
	_, err := h.ctrl.EnsureContainer(ctx)
	require.NoError(t, err)

	_, found, err := h.ctrl.RecoverBackup(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, h.m.Ledger.Add("case1", "/work/case1"))
	require.NoError(t, h.m.Ledger.MarkFinished("case1", true, start))
	data, err := mission.EncodeBackup(h.m, start)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.UploadBackup(ctx, data))

	recovered, found, err := h.ctrl.RecoverBackup(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"case1"}, recovered.Ledger.Names())
	task, _ := recovered.Ledger.Get("case1")
	assert.True(t, task.Succeeded)

	other, err := mission.New(mission.Spec{Name: "other", MaxNodes: 1, PoolImage: "img", WorkDir: "/work"})
	require.NoError(t, err)
	data, err = mission.EncodeBackup(other, start)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.UploadBackup(ctx, data))
	_, _, err = h.ctrl.RecoverBackup(ctx)
	assert.Error(t, err, "a backup of another mission must not be recovered")
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.ComputeOptions{}, nil)

	require.NoError(t, h.ctrl.EnsureJob(ctx))
	require.NoError(t, h.ctrl.EnsureJob(ctx), "existing job is a no-op")
	job, err := h.compute.GetJob(ctx, h.m.Names().Job)
	require.NoError(t, err)
	assert.Equal(t, backend.JobActive, job.State)

	require.NoError(t, h.ctrl.DeleteJob(ctx))
	require.NoError(t, h.ctrl.DeleteJob(ctx))
}

// terminatingJobs answers every job creation as if a previous job of the same
// name were still being deleted.
type terminatingJobs struct {
	*memory.Compute
	creates int
}

func (c *terminatingJobs) CreateJob(ctx context.Context, spec backend.JobSpec) error {
	c.creates++
	return backend.Wrap(backend.ErrBeingDeleted, "job "+spec.Name, nil)
}

func TestEnsureJobDoesNotRetryBeingDeleted(t *testing.T) {
	ctx := context.Background()
	jobs := &terminatingJobs{Compute: memory.NewCompute(memory.ComputeOptions{})}
	h := newHarness(t, memory.ComputeOptions{}, nil, func(d *Deps) { d.Compute = jobs })

	err := h.ctrl.EnsureJob(ctx)
	require.Error(t, err)
	assert.True(t, backend.IsBeingDeleted(err))
	assert.False(t, errors.Is(err, ErrResourceRaceTimeout))
	assert.Equal(t, 1, jobs.creates, "job creation is attempted once")
	assert.Empty(t, h.clock.Sleeps())
}
