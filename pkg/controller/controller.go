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

// Package controller owns the lifecycle of a mission's remote resources: the
// pool, the job, the object-store container with its metadata table, and the
// tasks submitted to the job.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"

	"mission-toolkit/pkg/backend"
	"mission-toolkit/pkg/clock"
	"mission-toolkit/pkg/logging"
	"mission-toolkit/pkg/mission"
	"mission-toolkit/pkg/syncengine"
	"mission-toolkit/pkg/telemetry"
)

const (
	// DefaultRaceRetryInterval and DefaultRaceRetryAttempts bound how long a
	// create waits out a deletion of the same name: 120 retries, 5s apart.
	DefaultRaceRetryInterval = 5 * time.Second
	DefaultRaceRetryAttempts = 120
	// DefaultSteadyPollInterval paces the wait for a pool to stop resizing.
	DefaultSteadyPollInterval = 2 * time.Second
	// DefaultAccessTTL is the lifetime of the container access URL.
	DefaultAccessTTL = 30 * 24 * time.Hour
)

// ImageResolver pins an image reference, usually to a digest.
type ImageResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Deps are the backend clients a Controller drives.
type Deps struct {
	Compute backend.Compute
	Store   backend.ObjectStore
	Table   backend.MetadataTable
	// Images is optional; without it the configured image is used verbatim.
	Images ImageResolver
}

// Controller is stateless apart from the mission it references and the
// clients it holds.
type Controller struct {
	m     *mission.Mission
	names mission.Names

	compute backend.Compute
	store   backend.ObjectStore
	table   backend.MetadataTable
	images  ImageResolver
	sync    *syncengine.Engine

	fs           afero.Fs
	clock        clock.Clock
	log          logrus.FieldLogger
	tracer       trace.Tracer
	workers      int
	stageExclude []string

	raceInterval time.Duration
	raceAttempts int
	steadyPoll   time.Duration
	accessTTL    time.Duration
}

// Option customizes a Controller.
type Option func(*Controller)

func WithFs(fs afero.Fs) Option { return func(c *Controller) { c.fs = fs } }

func WithClock(clk clock.Clock) Option { return func(c *Controller) { c.clock = clk } }

func WithLogger(log logrus.FieldLogger) Option { return func(c *Controller) { c.log = log } }

func WithTracer(tracer trace.Tracer) Option { return func(c *Controller) { c.tracer = tracer } }

// WithSyncWorkers bounds concurrent transfers per case directory.
func WithSyncWorkers(n int) Option { return func(c *Controller) { c.workers = n } }

// WithStageExcludes replaces the patterns skipped when staging a case.
func WithStageExcludes(patterns []string) Option {
	return func(c *Controller) { c.stageExclude = append([]string(nil), patterns...) }
}

// WithRaceRetry overrides the create-while-deleting retry policy.
func WithRaceRetry(interval time.Duration, attempts int) Option {
	return func(c *Controller) {
		c.raceInterval = interval
		c.raceAttempts = attempts
	}
}

// WithSteadyPoll overrides the interval between pool state checks while
// waiting for a resize to settle.
func WithSteadyPoll(d time.Duration) Option { return func(c *Controller) { c.steadyPoll = d } }

// WithAccessTTL overrides the container access URL lifetime.
func WithAccessTTL(d time.Duration) Option { return func(c *Controller) { c.accessTTL = d } }

// New returns a Controller for m.
func New(m *mission.Mission, deps Deps, opts ...Option) *Controller {
	c := &Controller{
		m:            m,
		names:        m.Names(),
		compute:      deps.Compute,
		store:        deps.Store,
		table:        deps.Table,
		images:       deps.Images,
		fs:           afero.NewOsFs(),
		clock:        clock.Real(),
		log:          logging.Discard(),
		tracer:       telemetry.NoopTracer(),
		workers:      4,
		stageExclude: syncengine.StagingExcludes,
		raceInterval: DefaultRaceRetryInterval,
		raceAttempts: DefaultRaceRetryAttempts,
		steadyPoll:   DefaultSteadyPollInterval,
		accessTTL:    DefaultAccessTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.ForMission(c.log, m.Name)
	c.sync = syncengine.New(
		syncengine.Config{Container: c.names.Container, Table: c.names.Table, Workers: c.workers},
		c.store, c.table,
		syncengine.WithFs(c.fs),
		syncengine.WithClock(c.clock.Now),
		syncengine.WithLogger(c.log),
		syncengine.WithTracer(c.tracer),
	)
	return c
}

// Mission returns the mission the controller acts on.
func (c *Controller) Mission() *mission.Mission { return c.m }

// Sync returns the engine bound to the mission's container and table.
func (c *Controller) Sync() *syncengine.Engine { return c.sync }

// retryRace calls create until it stops reporting that the resource is being
// deleted. It gives up after raceAttempts retries.
func (c *Controller) retryRace(ctx context.Context, resource string, create func(context.Context) error) error {
	err := create(ctx)
	for attempt := 1; backend.IsBeingDeleted(err); attempt++ {
		if attempt > c.raceAttempts {
			return &ResourceRaceTimeoutError{
				Resource: resource,
				Attempts: c.raceAttempts,
				Waited:   time.Duration(c.raceAttempts) * c.raceInterval,
				Last:     err,
			}
		}
		c.log.WithField("attempt", attempt).Warnf("%s is being deleted, retrying in %s", resource, c.raceInterval)
		if err := c.clock.Sleep(ctx, c.raceInterval); err != nil {
			return fmt.Errorf("interrupted while waiting for %s to be deleted: %w", resource, err)
		}
		err = create(ctx)
	}
	return err
}
