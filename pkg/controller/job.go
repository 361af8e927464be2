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
	"fmt"

	"mission-toolkit/pkg/backend"
	"mission-toolkit/pkg/telemetry"
)

// EnsureJob creates the job bound to the mission's pool. The backend's
// "already exists" answer is the existence check. A job still being deleted
// is reported to the caller without retrying.
func (c *Controller) EnsureJob(ctx context.Context) error {
	return telemetry.Trace(ctx, c.tracer, "controller.EnsureJob", func(ctx context.Context) error {
		spec := backend.JobSpec{Name: c.names.Job, Pool: c.names.Pool, Mission: c.m.Name}
		err := c.compute.CreateJob(ctx, spec)
		log := c.log.WithField("job", c.names.Job)
		switch {
		case err == nil:
			log.Info("created job")
		case backend.IsAlreadyExists(err):
			log.Info("job already exists")
		default:
			return fmt.Errorf("failed to create job %s: %w", c.names.Job, err)
		}
		return nil
	})
}

// DeleteJob deletes the job and with it every task. A missing job is not an
// error.
func (c *Controller) DeleteJob(ctx context.Context) error {
	err := c.compute.DeleteJob(ctx, c.names.Job)
	log := c.log.WithField("job", c.names.Job)
	switch {
	case err == nil:
		log.Info("deleted job")
	case backend.IsNotFound(err):
		log.Info("job does not exist, nothing to delete")
	default:
		return fmt.Errorf("failed to delete job %s: %w", c.names.Job, err)
	}
	return nil
}
