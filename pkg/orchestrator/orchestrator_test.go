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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mission-toolkit/pkg/backend"
	"mission-toolkit/pkg/backend/memory"
	"mission-toolkit/pkg/clock"
	"mission-toolkit/pkg/controller"
	"mission-toolkit/pkg/mission"
	"mission-toolkit/pkg/status"
)

const image = "registry.example.com/geoclaw:1.0"

var start = time.Date(2026, 9, 14, 6, 0, 0, 0, time.UTC)

// countingStore records downloads per blob and can fail the first ones.
type countingStore struct {
	*memory.ObjectStore

	mu        sync.Mutex
	downloads map[string]int
	failures  map[string]int
	deleteErr error
}

func (s *countingStore) DeleteContainer(ctx context.Context, name string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.ObjectStore.DeleteContainer(ctx, name)
}

func (s *countingStore) Download(ctx context.Context, container, blob string, w io.Writer) (backend.BlobProps, error) {
	s.mu.Lock()
	if s.failures[blob] > 0 {
		s.failures[blob]--
		s.mu.Unlock()
		return backend.BlobProps{}, fmt.Errorf("connection reset while reading %s", blob)
	}
	s.downloads[blob]++
	s.mu.Unlock()
	return s.ObjectStore.Download(ctx, container, blob, w)
}

func (s *countingStore) Downloads(blob string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads[blob]
}

// stopAfter cancels the loop's context once it has slept n times.
type stopAfter struct {
	*clock.Manual
	n      int
	cancel context.CancelFunc
}

func (c *stopAfter) Sleep(ctx context.Context, d time.Duration) error {
	if err := c.Manual.Sleep(ctx, d); err != nil {
		return err
	}
	if len(c.Sleeps()) >= c.n {
		c.cancel()
		return ctx.Err()
	}
	return nil
}

// env holds the shared remote side. Several orchestrators may act on it, as
// when a mission is resumed from another machine.
type env struct {
	compute *memory.Compute
	store   *countingStore
	table   *memory.Table
}

func newEnv(opts memory.ComputeOptions) *env {
	return &env{
		compute: memory.NewCompute(opts),
		store: &countingStore{
			ObjectStore: memory.NewObjectStore(nil),
			downloads:   map[string]int{},
			failures:    map[string]int{},
		},
		table: memory.NewTable(),
	}
}

type harness struct {
	*env
	m     *mission.Mission
	fs    afero.Fs
	clock clock.Clock
	o     *MissionOrchestrator
}

func (e *env) orchestrator(t *testing.T, fs afero.Fs, clk clock.Clock) *harness {
	t.Helper()
	m, err := mission.New(mission.Spec{Name: "demo", MaxNodes: 4, VMSize: "e2-standard-8", PoolImage: image, WorkDir: "/work"})
	require.NoError(t, err)
	ctrl := controller.New(m, controller.Deps{Compute: e.compute, Store: e.store, Table: e.table},
		controller.WithFs(fs),
		controller.WithClock(clk),
		controller.WithSteadyPoll(time.Millisecond),
	)
	reporter := status.New(m, e.compute, e.store, status.WithClock(clk))
	backups := &mission.BackupStore{Fs: fs, Now: clk.Now}
	return &harness{
		env:   e,
		m:     m,
		fs:    fs,
		clock: clk,
		o:     New(m, ctrl, reporter, backups, WithClock(clk)),
	}
}

func writeCases(t *testing.T, fs afero.Fs, n int) []Case {
	t.Helper()
	var cases []Case
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("case%d", i)
		dir := "/work/" + name
		require.NoError(t, afero.WriteFile(fs, dir+"/setrun.py", []byte("setrun "+name), 0o644))
		cases = append(cases, Case{Name: name, Path: dir})
	}
	return cases
}

func TestMonitorResizesAndDownloadsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(memory.ComputeOptions{})
	e.compute.SeedPool(backend.PoolSpec{Name: "demo-pool", Image: image, TargetNodes: 2, MaxNodes: 4}, backend.AllocationSteady)
	fs := afero.NewMemMapFs()
	clk := &stopAfter{Manual: clock.NewManual(start), n: 3, cancel: cancel}
	h := e.orchestrator(t, fs, clk)

	require.NoError(t, h.o.Start(ctx, StartOptions{Cases: writeCases(t, fs, 6)}))
	require.Equal(t, 2, h.m.PoolTarget, "existing pool target is adopted")
	require.Equal(t, 6, h.m.Ledger.Len())

	job := h.m.Names().Job
	container := h.m.Names().Container
	require.NoError(t, e.compute.SetTaskState(job, "case1", backend.TaskCompleted, nil))
	require.NoError(t, e.compute.SetTaskState(job, "case2", backend.TaskCompleted, &backend.FailureInfo{Reason: "NonZeroExit", ExitCode: 1}))
	require.NoError(t, e.compute.SetTaskState(job, "case3", backend.TaskRunning, nil))
	require.NoError(t, e.store.PutBlob(container, "case1/_output/gauge00001.txt", []byte("gauge"), start))
	require.NoError(t, e.store.PutBlob(container, "case2/stderr.txt", []byte("boom"), start))

	err := h.o.MonitorLoop(ctx, MonitorOptions{PollInterval: 30 * time.Second, Resize: true, Download: true})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []int{4}, e.compute.Resizes("demo-pool"), "resize to min(4, 4) once, never re-issued")
	assert.Equal(t, 1, e.store.Downloads("case1/_output/gauge00001.txt"))
	assert.Equal(t, 1, e.store.Downloads("case2/stderr.txt"))
	assert.Equal(t, 0, e.store.Downloads("case1/setrun.py"), "staged inputs are already in sync")

	case1, _ := h.m.Ledger.Get("case1")
	assert.True(t, case1.Succeeded)
	assert.True(t, case1.Downloaded)
	case2, _ := h.m.Ledger.Get("case2")
	assert.True(t, case2.Failed())
	assert.True(t, case2.Downloaded)
	assert.Equal(t, 4, h.m.Ledger.Counts().Outstanding())

	data, err := afero.ReadFile(fs, "/work/case2/stderr.txt")
	require.NoError(t, err)
	assert.Equal(t, "boom", string(data))

	backup, err := mission.NewBackupStore(fs).Read(h.m.BackupPath())
	require.NoError(t, err)
	b1, _ := backup.Ledger.Get("case1")
	assert.True(t, b1.Downloaded, "backup written after the downloads")
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}, clk.Sleeps())
}

func TestMonitorRetriesFailedDownload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(memory.ComputeOptions{})
	fs := afero.NewMemMapFs()
	clk := &stopAfter{Manual: clock.NewManual(start), n: 2, cancel: cancel}
	h := e.orchestrator(t, fs, clk)
	require.NoError(t, h.o.Start(ctx, StartOptions{Cases: writeCases(t, fs, 2)}))

	container := h.m.Names().Container
	require.NoError(t, e.compute.SetTaskState(h.m.Names().Job, "case1", backend.TaskCompleted, nil))
	require.NoError(t, e.store.PutBlob(container, "case1/stdout.txt", []byte("done"), start))
	e.store.failures["case1/stdout.txt"] = 1

	err := h.o.MonitorLoop(ctx, MonitorOptions{PollInterval: time.Minute, Download: true})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, e.store.Downloads("case1/stdout.txt"))
	case1, _ := h.m.Ledger.Get("case1")
	assert.True(t, case1.Downloaded)
	assert.Empty(t, e.compute.Resizes("demo-pool"), "resizing was not requested")
}

func TestMonitorRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	e := newEnv(memory.ComputeOptions{CompleteAfterPolls: 3})
	fs := afero.NewMemMapFs()
	clk := clock.NewManual(start)
	h := e.orchestrator(t, fs, clk)
	require.NoError(t, h.o.Start(ctx, StartOptions{Cases: writeCases(t, fs, 3)}))

	require.NoError(t, h.o.MonitorLoop(ctx, MonitorOptions{PollInterval: 10 * time.Second, Resize: true, Download: true}))

	counts := h.m.Ledger.Counts()
	assert.Equal(t, mission.LedgerCounts{Total: 3, Completed: 3, Succeeded: 3, Downloaded: 3}, counts)
	assert.Len(t, clk.Sleeps(), 2)
	assert.Equal(t, []int{3}, e.compute.Resizes("demo-pool"), "shrunk to the outstanding count once")
}

func TestStartRecoversLedgerFromContainer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(memory.ComputeOptions{})

	first := e.orchestrator(t, afero.NewMemMapFs(), clock.NewManual(start))
	require.NoError(t, first.o.Start(ctx, StartOptions{Cases: writeCases(t, first.fs, 3)}))

	// A second machine with no local state resumes the mission.
	second := e.orchestrator(t, afero.NewMemMapFs(), clock.NewManual(start.Add(time.Hour)))
	require.NoError(t, second.o.Start(ctx, StartOptions{}))

	assert.Equal(t, []string{"case1", "case2", "case3"}, second.m.Ledger.Names())
	assert.Equal(t, 4, second.m.PoolTarget)
	exists, err := second.o.backups.Exists(second.m.BackupPath())
	require.NoError(t, err)
	assert.True(t, exists, "recovered state is written locally")
}

func TestStartLocalPreconditions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(memory.ComputeOptions{})
	fs := afero.NewMemMapFs()
	h := e.orchestrator(t, fs, clock.NewManual(start))
	cases := append(writeCases(t, fs, 2), Case{Name: "case9", Path: "/work/case9"})

	err := h.o.Start(ctx, StartOptions{Cases: cases})
	assert.True(t, controller.IsPrecondition(err, controller.ReasonMissingLocal))
	assert.Equal(t, 2, h.m.Ledger.Len(), "cases before the failure stay submitted")

	require.NoError(t, h.o.Start(ctx, StartOptions{Cases: cases, IgnoreMissingLocal: true, IgnoreRemoteExists: true}))
	assert.Equal(t, 2, h.m.Ledger.Len())

	err = h.o.Start(ctx, StartOptions{Cases: cases[:1]})
	assert.True(t, controller.IsPrecondition(err, controller.ReasonDuplicate))
}

func TestReadBackup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(memory.ComputeOptions{})
	fs := afero.NewMemMapFs()
	first := e.orchestrator(t, fs, clock.NewManual(start))
	require.NoError(t, first.o.Start(ctx, StartOptions{Cases: writeCases(t, fs, 2)}))

	second := e.orchestrator(t, fs, clock.NewManual(start))
	require.NoError(t, second.o.ReadBackup(second.m.BackupPath()))
	assert.Equal(t, []string{"case1", "case2"}, second.m.Ledger.Names())
	assert.Equal(t, first.m.Container, second.m.Container)

	assert.Error(t, second.o.ReadBackup("/work/missing_backup.yaml"))
}

func TestClearResources(t *testing.T) {
	ctx := context.Background()
	e := newEnv(memory.ComputeOptions{})
	fs := afero.NewMemMapFs()
	h := e.orchestrator(t, fs, clock.NewManual(start))
	require.NoError(t, h.o.Start(ctx, StartOptions{Cases: writeCases(t, fs, 1)}))

	require.NoError(t, h.o.ClearResources(ctx))

	names := h.m.Names()
	exists, err := e.store.ContainerExists(ctx, names.Container)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = e.compute.GetJob(ctx, names.Job)
	assert.True(t, backend.IsNotFound(err))
	exists, err = e.compute.PoolExists(ctx, names.Pool)
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = afero.Exists(fs, h.m.BackupPath())
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, h.o.ClearResources(ctx), "tearing down twice is a no-op")
}

func TestClearResourcesKeepsBackupOnFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(memory.ComputeOptions{})
	fs := afero.NewMemMapFs()
	h := e.orchestrator(t, fs, clock.NewManual(start))
	require.NoError(t, h.o.Start(ctx, StartOptions{Cases: writeCases(t, fs, 2)}))
	e.store.deleteErr = errors.New("permission denied on bucket")

	err := h.o.ClearResources(ctx)
	require.ErrorIs(t, err, e.store.deleteErr)

	names := h.m.Names()
	_, err = e.compute.GetJob(ctx, names.Job)
	assert.True(t, backend.IsNotFound(err), "later steps still run")
	exists, err := e.compute.PoolExists(ctx, names.Pool)
	require.NoError(t, err)
	assert.False(t, exists)

	backup, err := h.o.backups.Read(h.m.BackupPath())
	require.NoError(t, err, "backup survives a failed teardown")
	assert.Equal(t, []string{"case1", "case2"}, backup.Ledger.Names())

	e.store.deleteErr = nil
	require.NoError(t, h.o.ClearResources(ctx))
	exists, err = afero.Exists(fs, h.m.BackupPath())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAddAndRemoveTask(t *testing.T) {
	ctx := context.Background()
	e := newEnv(memory.ComputeOptions{})
	fs := afero.NewMemMapFs()
	h := e.orchestrator(t, fs, clock.NewManual(start))
	cases := writeCases(t, fs, 2)
	require.NoError(t, h.o.Start(ctx, StartOptions{Cases: cases[:1]}))

	require.NoError(t, h.o.AddTask(ctx, cases[1].Name, cases[1].Path, false))
	backup, err := h.o.backups.Read(h.m.BackupPath())
	require.NoError(t, err)
	assert.Equal(t, []string{"case1", "case2"}, backup.Ledger.Names())

	require.NoError(t, h.o.RemoveTask(ctx, "case1", true))
	backup, err = h.o.backups.Read(h.m.BackupPath())
	require.NoError(t, err)
	assert.Equal(t, []string{"case2"}, backup.Ledger.Names())

	require.NoError(t, h.o.DownloadAll(ctx, nil))
	case2, _ := h.m.Ledger.Get("case2")
	assert.True(t, case2.Downloaded)
}
