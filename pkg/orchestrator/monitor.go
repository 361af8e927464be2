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
	"time"

	"github.com/sirupsen/logrus"

	"mission-toolkit/pkg/controller"
	"mission-toolkit/pkg/status"
	"mission-toolkit/pkg/syncengine"
	"mission-toolkit/pkg/telemetry"
)

// MonitorOptions controls MonitorLoop.
type MonitorOptions struct {
	PollInterval time.Duration
	// Resize shrinks the pool to the outstanding task count as tasks finish.
	Resize bool
	// Download fetches each case as soon as it is seen finished.
	Download bool
	Exclude  *syncengine.Excluder
}

// MonitorLoop polls task states until no task is outstanding. Finished
// cases are downloaded once each, and the pool is resized to
// min(outstanding, MaxNodes) when that differs from its current target. A
// failed download is logged and retried on the next cycle.
func (o *MissionOrchestrator) MonitorLoop(ctx context.Context, opts MonitorOptions) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	resize := opts.Resize
	if resize && o.m.Autoscale {
		o.log.Info("pool autoscales, monitor will not resize it")
		resize = false
	}

	for cycle := 1; ; cycle++ {
		var outstanding int
		err := telemetry.Trace(ctx, o.tracer, "orchestrator.MonitorCycle", func(ctx context.Context) error {
			var err error
			outstanding, err = o.cycle(ctx, opts, &resize)
			return err
		})
		if err != nil {
			return err
		}
		if outstanding == 0 {
			o.log.Infof("all %d tasks finished", o.m.Ledger.Len())
			return nil
		}
		o.log.WithField("cycle", cycle).Debugf("%d tasks outstanding, next poll in %s", outstanding, opts.PollInterval)
		if err := o.clock.Sleep(ctx, opts.PollInterval); err != nil {
			return err
		}
	}
}

func (o *MissionOrchestrator) cycle(ctx context.Context, opts MonitorOptions, resize *bool) (int, error) {
	states, err := o.reporter.TaskStates(ctx)
	if err != nil {
		return 0, err
	}

	changed := false
	for _, name := range o.m.Ledger.Names() {
		log := o.log.WithField("case", name)
		task, _ := o.m.Ledger.Get(name)
		if v, ok := states[name]; ok && !task.Completed && v.Finished() {
			at := v.CompletedAt
			if at.IsZero() {
				at = o.clock.Now()
			}
			if err := o.m.Ledger.MarkFinished(name, v.Succeeded(), at); err != nil {
				return 0, err
			}
			changed = true
			if v.Succeeded() {
				log.Info("task succeeded")
			} else {
				log.WithFields(failureFields(v)).Warn("task failed")
			}
			task, _ = o.m.Ledger.Get(name)
		}

		if opts.Download && task.Completed && !task.Downloaded {
			if _, err := o.ctrl.DownloadCase(ctx, name, opts.Exclude); err != nil {
				if errors.Is(err, context.Canceled) {
					return 0, err
				}
				log.WithError(err).Error("download failed, retrying next cycle")
				continue
			}
			changed = true
		}
	}

	if changed {
		if err := o.WriteBackup(ctx); err != nil {
			o.log.WithError(err).Warn("failed to write backup")
		}
	}

	counts := o.m.Ledger.Counts()
	outstanding := counts.Outstanding()
	if outstanding == 0 || !*resize {
		return outstanding, nil
	}

	_, err = o.ctrl.ResizePool(ctx, outstanding)
	switch {
	case err == nil:
	case errors.Is(err, controller.ErrAutoscaleEnabled):
		o.log.Warn("pool autoscaling was enabled outside the mission, no longer resizing it")
		*resize = false
	case errors.Is(err, context.Canceled):
		return 0, err
	default:
		o.log.WithError(err).Error("resize failed, retrying next cycle")
	}
	return outstanding, nil
}

func failureFields(v status.TaskView) logrus.Fields {
	if v.Failure == nil {
		return logrus.Fields{}
	}
	return logrus.Fields{
		"reason":   v.Failure.Reason,
		"message":  v.Failure.Message,
		"exitCode": v.Failure.ExitCode,
	}
}
