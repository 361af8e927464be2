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

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mission-toolkit/pkg/backend"
)

type memPool struct {
	spec       backend.PoolSpec
	state      backend.PoolState
	allocation backend.AllocationState
	target     int
	// settle counts the GetPool calls left before a resize reaches steady.
	settle  int
	resizes []int
}

type memTask struct {
	spec    backend.TaskSpec
	state   backend.TaskState
	failure *backend.FailureInfo
	polls   int
	started time.Time
	ended   time.Time
}

type memJob struct {
	spec  backend.JobSpec
	tasks map[string]*memTask
}

// ComputeOptions tunes the simulated backend.
type ComputeOptions struct {
	// ResizeSettlePolls is how many GetPool calls a resize stays "resizing".
	ResizeSettlePolls int
	// CompleteAfterPolls makes tasks finish successfully after being observed
	// this many times. Zero leaves task progress to SetTaskState.
	CompleteAfterPolls int
	Now                func() time.Time
}

// Compute simulates pools, jobs and tasks.
type Compute struct {
	mu        sync.Mutex
	opts      ComputeOptions
	pools     map[string]*memPool
	jobs      map[string]*memJob
	stopCalls map[string]int
}

var _ backend.Compute = (*Compute)(nil)

// NewCompute returns an empty compute backend.
func NewCompute(opts ComputeOptions) *Compute {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Compute{
		opts:      opts,
		pools:     map[string]*memPool{},
		jobs:      map[string]*memJob{},
		stopCalls: map[string]int{},
	}
}

func (c *Compute) PoolExists(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pools[name]
	return ok, nil
}

func (c *Compute) GetPool(ctx context.Context, name string) (*backend.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[name]
	if !ok {
		return nil, backend.Wrap(backend.ErrNotFound, "pool "+name, nil)
	}
	view := p.view()
	if p.allocation != backend.AllocationSteady {
		if p.settle <= 0 {
			p.allocation = backend.AllocationSteady
		} else {
			p.settle--
		}
	}
	return view, nil
}

func (p *memPool) view() *backend.Pool {
	return &backend.Pool{
		Name:        p.spec.Name,
		Image:       p.spec.Image,
		State:       p.state,
		Allocation:  p.allocation,
		TargetNodes: p.target,
		Autoscale:   p.spec.Autoscale,
	}
}

func (c *Compute) CreatePool(ctx context.Context, spec backend.PoolSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pools[spec.Name]; ok {
		return backend.Wrap(backend.ErrAlreadyExists, "pool "+spec.Name, nil)
	}
	c.pools[spec.Name] = &memPool{
		spec:       spec,
		state:      backend.PoolActive,
		allocation: backend.AllocationSteady,
		target:     spec.TargetNodes,
	}
	return nil
}

// SeedPool installs a pool as if another process had created it.
func (c *Compute) SeedPool(spec backend.PoolSpec, allocation backend.AllocationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[spec.Name] = &memPool{
		spec:       spec,
		state:      backend.PoolActive,
		allocation: allocation,
		target:     spec.TargetNodes,
		settle:     c.opts.ResizeSettlePolls,
	}
}

func (c *Compute) ResizePool(ctx context.Context, name string, target int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[name]
	if !ok {
		return backend.Wrap(backend.ErrNotFound, "pool "+name, nil)
	}
	if p.spec.Autoscale {
		return fmt.Errorf("pool %s: manual resize is not allowed while autoscaling is enabled", name)
	}
	if p.allocation != backend.AllocationSteady {
		return fmt.Errorf("pool %s: resize requested while allocation is %s", name, p.allocation)
	}
	p.target = target
	p.resizes = append(p.resizes, target)
	if c.opts.ResizeSettlePolls > 0 {
		p.allocation = backend.AllocationResizing
		p.settle = c.opts.ResizeSettlePolls
	}
	return nil
}

func (c *Compute) StopResize(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[name]
	if !ok {
		return backend.Wrap(backend.ErrNotFound, "pool "+name, nil)
	}
	c.stopCalls[name]++
	if p.allocation == backend.AllocationResizing {
		p.allocation = backend.AllocationStopping
		p.settle = 0
	}
	return nil
}

func (c *Compute) DeletePool(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pools[name]; !ok {
		return backend.Wrap(backend.ErrNotFound, "pool "+name, nil)
	}
	delete(c.pools, name)
	return nil
}

// ListNodes reports one node per target slot. Nodes are "running" while a
// task of a job bound to the pool runs and "idle" otherwise.
func (c *Compute) ListNodes(ctx context.Context, pool string) ([]backend.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[pool]
	if !ok {
		return nil, backend.Wrap(backend.ErrNotFound, "pool "+pool, nil)
	}
	running := 0
	for _, j := range c.jobs {
		if j.spec.Pool != pool {
			continue
		}
		for _, t := range j.tasks {
			if t.state == backend.TaskRunning {
				running++
			}
		}
	}
	nodes := make([]backend.Node, p.target)
	for i := range nodes {
		state := backend.NodeIdle
		if i < running {
			state = backend.NodeRunning
		}
		nodes[i] = backend.Node{ID: fmt.Sprintf("%s-node-%d", pool, i), State: state}
	}
	return nodes, nil
}

// Resizes returns every target passed to ResizePool for pool, in order.
func (c *Compute) Resizes(pool string) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pools[pool]; ok {
		return append([]int(nil), p.resizes...)
	}
	return nil
}

// StopCalls reports how many times StopResize was called for pool.
func (c *Compute) StopCalls(pool string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCalls[pool]
}

func (c *Compute) CreateJob(ctx context.Context, spec backend.JobSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[spec.Name]; ok {
		return backend.Wrap(backend.ErrAlreadyExists, "job "+spec.Name, nil)
	}
	c.jobs[spec.Name] = &memJob{spec: spec, tasks: map[string]*memTask{}}
	return nil
}

func (c *Compute) GetJob(ctx context.Context, name string) (*backend.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[name]; !ok {
		return nil, backend.Wrap(backend.ErrNotFound, "job "+name, nil)
	}
	return &backend.Job{Name: name, State: backend.JobActive}, nil
}

func (c *Compute) DeleteJob(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[name]; !ok {
		return backend.Wrap(backend.ErrNotFound, "job "+name, nil)
	}
	delete(c.jobs, name)
	return nil
}

func (c *Compute) AddTask(ctx context.Context, job string, spec backend.TaskSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[job]
	if !ok {
		return backend.Wrap(backend.ErrNotFound, "job "+job, nil)
	}
	if _, ok := j.tasks[spec.ID]; ok {
		return backend.Wrap(backend.ErrAlreadyExists, "task "+spec.ID, nil)
	}
	j.tasks[spec.ID] = &memTask{spec: spec, state: backend.TaskActive}
	return nil
}

func (c *Compute) GetTask(ctx context.Context, job, id string) (*backend.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[job]
	if !ok {
		return nil, backend.Wrap(backend.ErrNotFound, "job "+job, nil)
	}
	t, ok := j.tasks[id]
	if !ok {
		return nil, backend.Wrap(backend.ErrNotFound, "task "+id, nil)
	}
	c.observe(t)
	return t.view(), nil
}

func (c *Compute) ListTasks(ctx context.Context, job string) ([]backend.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[job]
	if !ok {
		return nil, backend.Wrap(backend.ErrNotFound, "job "+job, nil)
	}
	ids := make([]string, 0, len(j.tasks))
	for id := range j.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]backend.Task, 0, len(ids))
	for _, id := range ids {
		t := j.tasks[id]
		c.observe(t)
		out = append(out, *t.view())
	}
	return out, nil
}

func (c *Compute) DeleteTask(ctx context.Context, job, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[job]
	if !ok {
		return backend.Wrap(backend.ErrNotFound, "job "+job, nil)
	}
	if _, ok := j.tasks[id]; !ok {
		return backend.Wrap(backend.ErrNotFound, "task "+id, nil)
	}
	delete(j.tasks, id)
	return nil
}

// observe advances a task in rehearsal mode: active, then running, then
// completed once CompleteAfterPolls observations have passed.
func (c *Compute) observe(t *memTask) {
	if c.opts.CompleteAfterPolls <= 0 || t.state == backend.TaskCompleted {
		return
	}
	t.polls++
	switch {
	case t.polls >= c.opts.CompleteAfterPolls:
		if t.started.IsZero() {
			t.started = c.opts.Now()
		}
		t.state = backend.TaskCompleted
		t.ended = c.opts.Now()
	case t.state == backend.TaskActive:
		t.state = backend.TaskRunning
		t.started = c.opts.Now()
	}
}

func (t *memTask) view() *backend.Task {
	return &backend.Task{
		ID:          t.spec.ID,
		State:       t.state,
		Failure:     t.failure,
		StartedAt:   t.started,
		CompletedAt: t.ended,
	}
}

// SetTaskState forces a task into state. A non-nil failure marks a completed
// task as failed.
func (c *Compute) SetTaskState(job, id string, state backend.TaskState, failure *backend.FailureInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[job]
	if !ok {
		return backend.Wrap(backend.ErrNotFound, "job "+job, nil)
	}
	t, ok := j.tasks[id]
	if !ok {
		return backend.Wrap(backend.ErrNotFound, "task "+id, nil)
	}
	t.state = state
	t.failure = failure
	if state == backend.TaskCompleted {
		t.ended = c.opts.Now()
	}
	return nil
}

// TaskSpecs returns the specs submitted to job, sorted by ID.
func (c *Compute) TaskSpecs(job string) []backend.TaskSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[job]
	if !ok {
		return nil
	}
	specs := make([]backend.TaskSpec, 0, len(j.tasks))
	for _, t := range j.tasks {
		specs = append(specs, t.spec)
	}
	sort.Slice(specs, func(a, b int) bool { return specs[a].ID < specs[b].ID })
	return specs
}
