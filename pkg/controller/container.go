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
	"bytes"
	"context"
	"errors"
	"fmt"

	"mission-toolkit/pkg/backend"
	"mission-toolkit/pkg/mission"
	"mission-toolkit/pkg/telemetry"
)

// ContainerOutcome says what EnsureContainer found.
type ContainerOutcome int

const (
	ContainerCreated ContainerOutcome = iota
	ContainerExisted
)

func (o ContainerOutcome) String() string {
	if o == ContainerExisted {
		return "existed"
	}
	return "created"
}

// EnsureContainer creates the mission's container and metadata table and
// issues a fresh access URL. A container that is still being deleted by an
// earlier teardown is retried every raceInterval, up to raceAttempts times.
func (c *Controller) EnsureContainer(ctx context.Context) (ContainerOutcome, error) {
	outcome := ContainerCreated
	err := telemetry.Trace(ctx, c.tracer, "controller.EnsureContainer", func(ctx context.Context) error {
		log := c.log.WithField("container", c.names.Container)
		err := c.retryRace(ctx, "container "+c.names.Container, func(ctx context.Context) error {
			return c.store.CreateContainer(ctx, c.names.Container)
		})
		switch {
		case err == nil:
			log.Info("created container")
		case backend.IsAlreadyExists(err):
			outcome = ContainerExisted
			log.Info("container already exists")
		default:
			return err
		}

		if err := c.table.CreateTable(ctx, c.names.Table); err != nil && !backend.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create table %s: %w", c.names.Table, err)
		}

		start := c.clock.Now().UTC()
		expiry := start.Add(c.accessTTL)
		url, err := c.store.SignURL(ctx, c.names.Container, start, expiry)
		if err != nil {
			return fmt.Errorf("failed to issue access URL for container %s: %w", c.names.Container, err)
		}
		c.m.Container = mission.ContainerAccess{URL: url, Expiry: expiry}
		return nil
	})
	return outcome, err
}

// DeleteContainer deletes the container and the metadata table. Both are
// attempted; resources that are already gone are skipped.
func (c *Controller) DeleteContainer(ctx context.Context) error {
	var errs []error
	log := c.log.WithField("container", c.names.Container)
	switch err := c.store.DeleteContainer(ctx, c.names.Container); {
	case err == nil:
		log.Info("deleted container")
	case backend.IsNotFound(err):
		log.Info("container does not exist, nothing to delete")
	default:
		errs = append(errs, fmt.Errorf("failed to delete container %s: %w", c.names.Container, err))
	}

	switch err := c.table.DeleteTable(ctx, c.names.Table); {
	case err == nil:
		log.WithField("table", c.names.Table).Info("deleted table")
	case backend.IsNotFound(err):
		log.WithField("table", c.names.Table).Info("table does not exist, nothing to delete")
	default:
		errs = append(errs, fmt.Errorf("failed to delete table %s: %w", c.names.Table, err))
	}
	c.m.Container = mission.ContainerAccess{}
	return errors.Join(errs...)
}

// RecoverBackup reads the backup snapshot mirrored into the container. It
// returns false when there is none.
func (c *Controller) RecoverBackup(ctx context.Context) (*mission.Mission, bool, error) {
	var buf bytes.Buffer
	_, err := c.store.Download(ctx, c.names.Container, mission.RemoteBackupBlob, &buf)
	if backend.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to download backup from container %s: %w", c.names.Container, err)
	}
	recovered, err := mission.DecodeBackup(buf.Bytes())
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode backup from container %s: %w", c.names.Container, err)
	}
	if recovered.Name != c.m.Name {
		return nil, false, fmt.Errorf("backup in container %s belongs to mission %q", c.names.Container, recovered.Name)
	}
	return recovered, true, nil
}

// UploadBackup mirrors an encoded backup snapshot into the container.
func (c *Controller) UploadBackup(ctx context.Context, data []byte) error {
	if _, err := c.store.Upload(ctx, c.names.Container, mission.RemoteBackupBlob, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload backup to container %s: %w", c.names.Container, err)
	}
	return nil
}
