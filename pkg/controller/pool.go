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
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"mission-toolkit/pkg/backend"
	"mission-toolkit/pkg/mission"
	"mission-toolkit/pkg/telemetry"
)

var errNotSteady = errors.New("pool allocation is not steady")

func (c *Controller) resolveImage(ctx context.Context) (string, error) {
	if c.images == nil {
		return c.m.PoolImage, nil
	}
	pinned, err := c.images.Resolve(ctx, c.m.PoolImage)
	if err != nil {
		return "", fmt.Errorf("failed to resolve pool image %q: %w", c.m.PoolImage, err)
	}
	return pinned, nil
}

// EnsurePool creates the pool, or adopts an existing pool of the same name
// and records its current target so a resumed mission keeps its size.
func (c *Controller) EnsurePool(ctx context.Context) error {
	return telemetry.Trace(ctx, c.tracer, "controller.EnsurePool", func(ctx context.Context) error {
		image, err := c.resolveImage(ctx)
		if err != nil {
			return err
		}
		log := c.log.WithFields(logrus.Fields{"pool": c.names.Pool, "image": image})

		exists, err := c.compute.PoolExists(ctx, c.names.Pool)
		if err != nil {
			return fmt.Errorf("failed to check pool %s: %w", c.names.Pool, err)
		}
		if !exists {
			spec := backend.PoolSpec{
				Name:        c.names.Pool,
				VMSize:      c.m.VMSize,
				Image:       image,
				TargetNodes: c.m.MaxNodes,
				MaxNodes:    c.m.MaxNodes,
				Autoscale:   c.m.Autoscale,
				Preemptible: c.m.Allocation == mission.AllocationPreemptible,
			}
			err := c.compute.CreatePool(ctx, spec)
			switch {
			case err == nil:
				c.m.PinnedImage = image
				c.m.PoolTarget = spec.TargetNodes
				log.Infof("created pool with %d %s nodes", spec.TargetNodes, c.m.Allocation)
				return nil
			case backend.IsAlreadyExists(err):
				log.Warn("pool appeared while creating it, adopting it")
			default:
				return fmt.Errorf("failed to create pool %s: %w", c.names.Pool, err)
			}
		}

		pool, err := c.compute.GetPool(ctx, c.names.Pool)
		if err != nil {
			return fmt.Errorf("failed to read pool %s: %w", c.names.Pool, err)
		}
		if pool.Image != image && pool.Image != c.m.PoolImage {
			return fmt.Errorf("pool %s runs %q, mission wants %q: %w", c.names.Pool, pool.Image, image, ErrPoolImageConflict)
		}
		c.m.PinnedImage = image
		c.m.PoolTarget = pool.TargetNodes
		log.Infof("adopted existing pool with target %d", pool.TargetNodes)
		return nil
	})
}

// ResizeTarget is the pool size for outstanding tasks: never more than
// maxNodes and never negative.
func ResizeTarget(outstanding, maxNodes int) int {
	return max(0, min(outstanding, maxNodes))
}

// ResizePool sets the pool target to min(n, MaxNodes). A resize already in
// flight is stopped and allowed to settle first. It returns whether a new
// target was issued; a target equal to the current one is not.
func (c *Controller) ResizePool(ctx context.Context, n int) (bool, error) {
	target := ResizeTarget(n, c.m.MaxNodes)
	var issued bool
	err := telemetry.Trace(ctx, c.tracer, "controller.ResizePool", func(ctx context.Context) error {
		if c.m.Autoscale {
			return fmt.Errorf("cannot resize pool %s: %w", c.names.Pool, ErrAutoscaleEnabled)
		}
		pool, err := c.compute.GetPool(ctx, c.names.Pool)
		if err != nil {
			return fmt.Errorf("failed to read pool %s: %w", c.names.Pool, err)
		}
		if pool.Autoscale {
			return fmt.Errorf("cannot resize pool %s: %w", c.names.Pool, ErrAutoscaleEnabled)
		}
		if pool.TargetNodes == target {
			c.m.PoolTarget = target
			return nil
		}

		log := c.log.WithFields(logrus.Fields{"pool": c.names.Pool, "from": pool.TargetNodes, "to": target})
		if pool.Allocation != backend.AllocationSteady {
			log.Infof("pool is %s, stopping it before resizing", pool.Allocation)
			if err := c.compute.StopResize(ctx, c.names.Pool); err != nil {
				return fmt.Errorf("failed to stop resize of pool %s: %w", c.names.Pool, err)
			}
			if err := c.waitSteady(ctx); err != nil {
				return err
			}
		}

		if err := c.compute.ResizePool(ctx, c.names.Pool, target); err != nil {
			return fmt.Errorf("failed to resize pool %s to %d: %w", c.names.Pool, target, err)
		}
		c.m.PoolTarget = target
		issued = true
		log.Info("resized pool")
		return nil
	}, attribute.Int("target", target))
	return issued, err
}

func (c *Controller) waitSteady(ctx context.Context) error {
	op := func() error {
		pool, err := c.compute.GetPool(ctx, c.names.Pool)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to read pool %s: %w", c.names.Pool, err))
		}
		if pool.Allocation != backend.AllocationSteady {
			return errNotSteady
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.WithField("pool", c.names.Pool).Debugf("%v, checking again in %s", err, wait)
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(c.steadyPoll), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("failed waiting for pool %s to become steady: %w", c.names.Pool, err)
	}
	return nil
}

// DeletePool deletes the pool. A pool that is already gone is not an error.
func (c *Controller) DeletePool(ctx context.Context) error {
	err := c.compute.DeletePool(ctx, c.names.Pool)
	switch {
	case err == nil:
		c.log.WithField("pool", c.names.Pool).Info("deleted pool")
	case backend.IsNotFound(err):
		c.log.WithField("pool", c.names.Pool).Info("pool does not exist, nothing to delete")
	default:
		return fmt.Errorf("failed to delete pool %s: %w", c.names.Pool, err)
	}
	c.m.PoolTarget = 0
	return nil
}
