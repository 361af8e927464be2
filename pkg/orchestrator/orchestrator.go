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

// Package orchestrator runs a mission end to end: it brings resources up,
// submits cases, watches them finish, pulls results back, and tears
// everything down.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mission-toolkit/pkg/clock"
	"mission-toolkit/pkg/controller"
	"mission-toolkit/pkg/logging"
	"mission-toolkit/pkg/mission"
	"mission-toolkit/pkg/status"
	"mission-toolkit/pkg/syncengine"
	"mission-toolkit/pkg/telemetry"
)

// DefaultPollInterval is the pause between monitor cycles.
const DefaultPollInterval = 30 * time.Second

// MissionOrchestrator is the single writer of a mission's state. It is not
// safe for concurrent use.
type MissionOrchestrator struct {
	m        *mission.Mission
	ctrl     *controller.Controller
	reporter *status.Reporter
	backups  *mission.BackupStore
	clock    clock.Clock
	log      logrus.FieldLogger
	tracer   trace.Tracer
}

// Option customizes a MissionOrchestrator.
type Option func(*MissionOrchestrator)

func WithClock(clk clock.Clock) Option { return func(o *MissionOrchestrator) { o.clock = clk } }

func WithLogger(log logrus.FieldLogger) Option { return func(o *MissionOrchestrator) { o.log = log } }

func WithTracer(tracer trace.Tracer) Option { return func(o *MissionOrchestrator) { o.tracer = tracer } }

// New returns an orchestrator for m. ctrl and reporter must act on the same
// mission.
func New(m *mission.Mission, ctrl *controller.Controller, reporter *status.Reporter, backups *mission.BackupStore, opts ...Option) *MissionOrchestrator {
	o := &MissionOrchestrator{
		m:        m,
		ctrl:     ctrl,
		reporter: reporter,
		backups:  backups,
		clock:    clock.Real(),
		log:      logging.Discard(),
		tracer:   telemetry.NoopTracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = logging.ForMission(o.log, m.Name)
	return o
}

// Mission returns the orchestrated mission.
func (o *MissionOrchestrator) Mission() *mission.Mission { return o.m }

// Case is a case directory to submit.
type Case struct {
	Name string
	Path string
}

// StartOptions controls Start.
type StartOptions struct {
	Cases []Case
	// IgnoreMissingLocal skips cases whose directory does not exist instead
	// of failing.
	IgnoreMissingLocal bool
	// IgnoreRemoteExists skips cases that were already submitted instead of
	// failing.
	IgnoreRemoteExists bool
}

// Start brings up the pool, the job and the container, recovers the ledger
// from a backup found in an existing container, and submits every case.
func (o *MissionOrchestrator) Start(ctx context.Context, opts StartOptions) error {
	return telemetry.Trace(ctx, o.tracer, "orchestrator.Start", func(ctx context.Context) error {
		if err := o.ctrl.EnsurePool(ctx); err != nil {
			return err
		}
		if err := o.ctrl.EnsureJob(ctx); err != nil {
			return err
		}
		outcome, err := o.ctrl.EnsureContainer(ctx)
		if err != nil {
			return err
		}
		if outcome == controller.ContainerExisted {
			recovered, found, err := o.ctrl.RecoverBackup(ctx)
			if err != nil {
				return err
			}
			if found {
				added, err := o.restore(recovered)
				if err != nil {
					return err
				}
				o.log.Infof("recovered %d tasks from the backup in the container", added)
			}
		}
		if err := o.WriteBackup(ctx); err != nil {
			return err
		}

		submitted := 0
		defer func() {
			if submitted == 0 {
				return
			}
			if err := o.WriteBackup(ctx); err != nil {
				o.log.WithError(err).Error("failed to write backup after submitting tasks")
			}
		}()
		for _, c := range opts.Cases {
			err := o.ctrl.AddTask(ctx, c.Name, c.Path, opts.IgnoreRemoteExists)
			switch {
			case err == nil:
				submitted++
			case opts.IgnoreMissingLocal && controller.IsPrecondition(err, controller.ReasonMissingLocal):
				o.log.WithField("case", c.Name).Warn(err.Error())
			default:
				return err
			}
		}
		o.log.Infof("mission started with %d tasks", o.m.Ledger.Len())
		return nil
	}, attribute.Int("cases", len(opts.Cases)))
}

// restore folds a snapshot of this mission into the live one. Local ledger
// entries win over the snapshot's.
func (o *MissionOrchestrator) restore(from *mission.Mission) (int, error) {
	if from.Name != o.m.Name {
		return 0, fmt.Errorf("backup belongs to mission %q, not %q", from.Name, o.m.Name)
	}
	added := o.m.Ledger.Merge(from.Ledger)
	if o.m.PinnedImage == "" {
		o.m.PinnedImage = from.PinnedImage
	}
	if o.m.PoolTarget == 0 {
		o.m.PoolTarget = from.PoolTarget
	}
	if o.m.Container.URL == "" {
		o.m.Container = from.Container
	}
	return added, nil
}

// AddTask submits one case and records it in the backup.
func (o *MissionOrchestrator) AddTask(ctx context.Context, name, path string, ignoreExists bool) error {
	if err := o.ctrl.AddTask(ctx, name, path, ignoreExists); err != nil {
		return err
	}
	return o.WriteBackup(ctx)
}

// RemoveTask deletes one case's task, and its files when purge is set.
func (o *MissionOrchestrator) RemoveTask(ctx context.Context, name string, purge bool) error {
	if err := o.ctrl.RemoveTask(ctx, name, purge); err != nil {
		return err
	}
	return o.WriteBackup(ctx)
}

// DownloadCase fetches one case's directory.
func (o *MissionOrchestrator) DownloadCase(ctx context.Context, name string, exclude *syncengine.Excluder) error {
	_, err := o.ctrl.DownloadCase(ctx, name, exclude)
	if berr := o.WriteBackup(ctx); err == nil {
		err = berr
	}
	return err
}

// DownloadAll fetches every case in the ledger. A failing case does not
// stop the others.
func (o *MissionOrchestrator) DownloadAll(ctx context.Context, exclude *syncengine.Excluder) error {
	var errs []error
	for _, name := range o.m.Ledger.Names() {
		if _, err := o.ctrl.DownloadCase(ctx, name, exclude); err != nil {
			o.log.WithField("case", name).WithError(err).Error("download failed")
			errs = append(errs, err)
		}
	}
	if err := o.WriteBackup(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClearResources deletes the container, then the job, then the pool, and
// finally the local backup. Every remote step is attempted even when an
// earlier one fails; the backup is only removed once all of them succeeded.
func (o *MissionOrchestrator) ClearResources(ctx context.Context) error {
	var errs []error
	steps := []struct {
		what string
		fn   func(context.Context) error
	}{
		{"container", o.ctrl.DeleteContainer},
		{"job", o.ctrl.DeleteJob},
		{"pool", o.ctrl.DeletePool},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			o.log.WithError(err).Errorf("failed to delete %s, continuing teardown", step.what)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		o.log.Warnf("keeping backup %s while mission resources remain", o.m.BackupPath())
		return errors.Join(errs...)
	}
	if err := o.backups.Remove(o.m.BackupPath()); err != nil {
		return err
	}
	o.log.Info("all mission resources deleted")
	return nil
}

// WriteBackup saves the mission locally and, once the container exists,
// mirrors it there.
func (o *MissionOrchestrator) WriteBackup(ctx context.Context) error {
	data, err := o.backups.Write(o.m)
	if err != nil {
		return err
	}
	if o.m.Container.URL == "" {
		return nil
	}
	return o.ctrl.UploadBackup(ctx, data)
}

// ReadBackup folds the local snapshot at path into the mission.
func (o *MissionOrchestrator) ReadBackup(path string) error {
	from, err := o.backups.Read(path)
	if err != nil {
		return err
	}
	added, err := o.restore(from)
	if err != nil {
		return err
	}
	o.log.Infof("read %d tasks from backup %s", added, path)
	return nil
}
