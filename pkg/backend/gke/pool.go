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


package gke

import (
	"context"
	"fmt"

	container "google.golang.org/api/container/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"mission-toolkit/pkg/backend"
)

// GKE node pool statuses.
const (
	statusProvisioning = "PROVISIONING"
	statusRunning      = "RUNNING"
	statusRunningErr   = "RUNNING_WITH_ERROR"
	statusReconciling  = "RECONCILING"
	statusStopping     = "STOPPING"
	statusError        = "ERROR"
)

func (c *Compute) PoolExists(ctx context.Context, name string) (bool, error) {
	_, err := c.GetPool(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case backend.IsNotFound(err):
		return false, nil
	}
	return false, err
}

func (c *Compute) GetPool(ctx context.Context, name string) (*backend.Pool, error) {
	np, err := c.pools.Projects.Locations.Clusters.NodePools.Get(c.cfg.poolName(name)).Context(ctx).Do()
	if err != nil {
		return nil, mapGoogleErr("pool "+name, err)
	}

	pool := &backend.Pool{
		Name:        name,
		State:       backend.PoolActive,
		Allocation:  backend.AllocationSteady,
		TargetNodes: int(np.InitialNodeCount),
	}
	if np.Config != nil {
		pool.Image = np.Config.Metadata[imageMetadata]
	}
	if np.Autoscaling != nil {
		pool.Autoscale = np.Autoscaling.Enabled
	}
	switch np.Status {
	case statusProvisioning, statusReconciling:
		pool.Allocation = backend.AllocationResizing
	case statusStopping:
		pool.State = backend.PoolDeleting
		pool.Allocation = backend.AllocationStopping
	case statusError, statusRunningErr:
		c.log.WithField("pool", name).Warnf("Node pool reports %s: %s", np.Status, np.StatusMessage)
	}

	c.mu.Lock()
	target, ok := c.targets[name]
	c.mu.Unlock()
	if ok {
		pool.TargetNodes = target
	} else if n, err := c.countNodes(ctx, name); err == nil {
		pool.TargetNodes = n
	}
	return pool, nil
}

func (c *Compute) countNodes(ctx context.Context, pool string) (int, error) {
	nodes, err := c.kube.CoreV1().Nodes().List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(labels.Set{NodePoolLabel: pool}).String(),
	})
	if err != nil {
		return 0, err
	}
	return len(nodes.Items), nil
}

func (c *Compute) CreatePool(ctx context.Context, spec backend.PoolSpec) error {
	np := &container.NodePool{
		Name:             spec.Name,
		InitialNodeCount: int64(spec.TargetNodes),
		Config: &container.NodeConfig{
			MachineType: spec.VMSize,
			Spot:        spec.Preemptible,
			Metadata:    map[string]string{imageMetadata: spec.Image},
			Labels:      map[string]string{poolLabel: spec.Name},
		},
	}
	if c.cfg.NodeZone != "" {
		np.Locations = []string{c.cfg.NodeZone}
	}
	if spec.Autoscale {
		np.Autoscaling = &container.NodePoolAutoscaling{
			Enabled:      true,
			MinNodeCount: 0,
			MaxNodeCount: int64(spec.MaxNodes),
		}
	}

	op, err := c.pools.Projects.Locations.Clusters.NodePools.Create(c.cfg.clusterName(),
		&container.CreateNodePoolRequest{NodePool: np}).Context(ctx).Do()
	if err != nil {
		return mapGoogleErr("pool "+spec.Name, err)
	}
	c.setTarget(spec.Name, spec.TargetNodes)
	c.log.WithField("pool", spec.Name).Infof("Node pool creation started (operation %s)", op.Name)
	return nil
}

// ResizePool sets the pool's node count. Pools spanning several zones are
// refused, since GKE would apply target to each zone.
func (c *Compute) ResizePool(ctx context.Context, name string, target int) error {
	np, err := c.pools.Projects.Locations.Clusters.NodePools.Get(c.cfg.poolName(name)).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to resize pool %s to %d: %w", name, target, mapGoogleErr("pool "+name, err))
	}
	if len(np.Locations) > 1 {
		return fmt.Errorf("pool %s spans %d zones %v; resizing it to %d would run %d nodes",
			name, len(np.Locations), np.Locations, target, target*len(np.Locations))
	}
	op, err := c.pools.Projects.Locations.Clusters.NodePools.SetSize(c.cfg.poolName(name),
		&container.SetNodePoolSizeRequest{NodeCount: int64(target)}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to resize pool %s to %d: %w", name, target, mapGoogleErr("pool "+name, err))
	}
	c.setTarget(name, target)
	c.log.WithField("pool", name).Debugf("Resize to %d started (operation %s)", target, op.Name)
	return nil
}

// StopResize does nothing: GKE cannot cancel a running node pool operation.
// Callers wait for the pool to settle instead.
func (c *Compute) StopResize(ctx context.Context, name string) error {
	c.log.WithField("pool", name).Debug("GKE cannot stop a resize in flight; waiting for it to settle")
	return nil
}

func (c *Compute) DeletePool(ctx context.Context, name string) error {
	if _, err := c.pools.Projects.Locations.Clusters.NodePools.Delete(c.cfg.poolName(name)).Context(ctx).Do(); err != nil {
		return mapGoogleErr("pool "+name, err)
	}
	c.mu.Lock()
	delete(c.targets, name)
	c.mu.Unlock()
	return nil
}

func (c *Compute) setTarget(name string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[name] = n
}
