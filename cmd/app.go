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


package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/v1/google"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"mission-toolkit/pkg/backend/gcs"
	"mission-toolkit/pkg/backend/gke"
	"mission-toolkit/pkg/backend/memory"
	"mission-toolkit/pkg/backend/postgres"
	"mission-toolkit/pkg/clock"
	"mission-toolkit/pkg/config"
	"mission-toolkit/pkg/controller"
	"mission-toolkit/pkg/imagebuilder"
	"mission-toolkit/pkg/logging"
	"mission-toolkit/pkg/mission"
	"mission-toolkit/pkg/orchestrator"
	"mission-toolkit/pkg/status"
	"mission-toolkit/pkg/syncengine"
	"mission-toolkit/pkg/telemetry"
)

// app is everything one command invocation needs.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	tracer   trace.Tracer
	mission  *mission.Mission
	ctrl     *controller.Controller
	reporter *status.Reporter
	backups  *mission.BackupStore
	orch     *orchestrator.MissionOrchestrator
	closers  []func(context.Context)
}

// loadConfig reads configuration with every flag cmd defines bound to its key.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	bindings := map[string]string{}
	for key, name := range flagBindings {
		if cmd.Flags().Lookup(name) != nil {
			bindings[key] = name
		}
	}
	return config.Load(config.LoadOptions{
		ConfigFile: configFile,
		EnvFile:    envFile,
		Flags:      cmd.Flags(),
		Bindings:   bindings,
	})
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: os.Stderr})
}

// newApp wires the configured backends into a mission orchestrator. A local
// backup of the mission, when present, is folded in first.
func newApp(cmd *cobra.Command) (*app, error) {
	ctx := cmd.Context()
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}
	tp, shutdown, err := telemetry.Init(ctx, log, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)
	a.tracer = tp.Tracer(telemetry.InstrumentationName)

	m, err := mission.New(cfg.MissionSpec())
	if err != nil {
		return nil, fmt.Errorf("invalid mission: %w", err)
	}
	a.mission = m
	mlog := logging.ForMission(log, m.Name)

	var clk clock.Clock = clock.Real()
	var deps controller.Deps
	switch cfg.Backend.Kind {
	case "memory":
		manual := clock.NewManual(time.Now().UTC())
		clk = manual
		deps = memoryDeps(cfg, manual)
		mlog.Warn("running against in-process backends; nothing is provisioned")
	default:
		deps, err = a.gcpDeps(ctx, m, mlog)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
	}

	fs := afero.NewOsFs()
	a.ctrl = controller.New(m, deps,
		controller.WithFs(fs),
		controller.WithClock(clk),
		controller.WithLogger(mlog),
		controller.WithTracer(a.tracer),
		controller.WithSyncWorkers(cfg.Sync.Workers),
		controller.WithStageExcludes(cfg.Sync.StageExclude),
	)
	a.reporter = status.New(m, deps.Compute, deps.Store, status.WithClock(clk), status.WithLogger(mlog))
	a.backups = mission.NewBackupStore(fs)
	a.orch = orchestrator.New(m, a.ctrl, a.reporter, a.backups,
		orchestrator.WithClock(clk),
		orchestrator.WithLogger(mlog),
		orchestrator.WithTracer(a.tracer),
	)

	exists, err := a.backups.Exists(m.BackupPath())
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if exists {
		if err := a.orch.ReadBackup(m.BackupPath()); err != nil {
			a.close(ctx)
			return nil, err
		}
	}
	return a, nil
}

func memoryDeps(cfg *config.Config, clk *clock.Manual) controller.Deps {
	return controller.Deps{
		Compute: memory.NewCompute(memory.ComputeOptions{
			CompleteAfterPolls: cfg.Backend.CompleteAfterPolls,
			Now:                clk.Now,
		}),
		Store: memory.NewObjectStore(clk.Now),
		Table: memory.NewTable(),
	}
}

func (a *app) gcpDeps(ctx context.Context, m *mission.Mission, log logrus.FieldLogger) (controller.Deps, error) {
	profile, err := config.LoadProfile(a.cfg.Backend.Credentials, a.cfg.Backend.Profile)
	if err != nil {
		return controller.Deps{}, err
	}
	compute, err := gke.Dial(ctx, gke.Config{
		Project:        profile.Project,
		Location:       profile.Location,
		Cluster:        profile.Cluster,
		Mission:        m.Name,
		ServiceAccount: profile.ServiceAccount,
		Kubeconfig:     profile.Kubeconfig,
		NodeZone:       profile.NodeZone,
	}, profile.CredentialsFile, log)
	if err != nil {
		return controller.Deps{}, err
	}
	store, err := gcs.Dial(ctx, gcs.Config{
		Project:   profile.Project,
		Location:  profile.BucketLocation,
		RateLimit: a.cfg.Sync.RateLimit,
		Burst:     a.cfg.Sync.Burst,
	}, profile.CredentialsFile, log)
	if err != nil {
		return controller.Deps{}, err
	}
	a.closers = append(a.closers, func(context.Context) { _ = store.Close() })

	table, err := postgres.Open(ctx, profile.PostgresDSN, log, postgres.WithTracer(a.tracer))
	if err != nil {
		return controller.Deps{}, err
	}
	a.closers = append(a.closers, func(context.Context) { table.Close() })

	return controller.Deps{
		Compute: compute,
		Store:   store,
		Table:   table,
		Images:  imagebuilder.NewResolver(log, registryAuth()),
	}, nil
}

func registryAuth() crane.Option {
	return crane.WithAuthFromKeychain(authn.NewMultiKeychain(authn.DefaultKeychain, google.Keychain))
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
}

// downloadExcluder builds the output filter from the download toggles.
func (a *app) downloadExcluder() (*syncengine.Excluder, error) {
	return syncengine.NewExcluder(a.cfg.DownloadFilter().Patterns())
}

// casesFromArgs turns case directory arguments into cases named after the
// directory.
func casesFromArgs(args []string) ([]orchestrator.Case, error) {
	cases := make([]orchestrator.Case, 0, len(args))
	seen := map[string]string{}
	var errs []error
	for _, arg := range args {
		path, err := filepath.Abs(arg)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to resolve %q: %w", arg, err))
			continue
		}
		name := filepath.Base(path)
		if prev, ok := seen[name]; ok {
			errs = append(errs, fmt.Errorf("case %q given twice: %s and %s", name, prev, path))
			continue
		}
		seen[name] = path
		cases = append(cases, orchestrator.Case{Name: name, Path: path})
	}
	return cases, errors.Join(errs...)
}
