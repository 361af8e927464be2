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
	"path/filepath"
	"strings"
	"text/template"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"

	"mission-toolkit/pkg/backend"
	"mission-toolkit/pkg/syncengine"
	"mission-toolkit/pkg/telemetry"
)

// CommandData is what a task command template can reference.
type CommandData struct {
	Case    string
	Mission string
}

// RenderCommand expands the mission's task command template for one case.
func RenderCommand(tmpl, caseName, missionName string) (string, error) {
	t, err := template.New("command").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse task command template: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, CommandData{Case: caseName, Mission: missionName}); err != nil {
		return "", fmt.Errorf("failed to render task command for case %q: %w", caseName, err)
	}
	return b.String(), nil
}

// casePrefix is where a case lives in the container.
func casePrefix(name string) string {
	return name + "/"
}

// AddTask stages the case directory at path into the container and submits
// a task that runs it. A case already in the ledger or already known to the
// job is skipped when ignoreExists is set and is an error otherwise.
func (c *Controller) AddTask(ctx context.Context, name, path string, ignoreExists bool) error {
	return telemetry.Trace(ctx, c.tracer, "controller.AddTask", func(ctx context.Context) error {
		return c.addTask(ctx, name, path, ignoreExists)
	}, attribute.String("case", name))
}

func (c *Controller) addTask(ctx context.Context, name, path string, ignoreExists bool) error {
	log := c.log.WithField("case", name)
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve case path %q: %w", path, err)
	}
	isDir, err := afero.IsDir(c.fs, abs)
	if err != nil || !isDir {
		return &LocalPreconditionError{Case: name, Path: abs, Reason: ReasonMissingLocal}
	}

	duplicate := c.m.Ledger.Has(name)
	if !duplicate {
		_, err := c.compute.GetTask(ctx, c.names.Job, name)
		switch {
		case err == nil:
			duplicate = true
		case !backend.IsNotFound(err):
			return fmt.Errorf("failed to look up task %s: %w", name, err)
		}
	}
	if duplicate {
		if !ignoreExists {
			return &LocalPreconditionError{Case: name, Path: abs, Reason: ReasonDuplicate}
		}
		if !c.m.Ledger.Has(name) {
			if err := c.m.Ledger.Add(name, abs); err != nil {
				return err
			}
			log.Info("adopted task that already exists in the job")
			return nil
		}
		log.Warn("task already exists, skipping")
		return nil
	}

	command, err := RenderCommand(c.m.TaskCommand, name, c.m.Name)
	if err != nil {
		return err
	}

	exclude, err := syncengine.ReadIgnoreFile(c.fs, abs, c.stageExclude)
	if err != nil {
		return err
	}
	report, err := c.sync.SyncDir(ctx, syncengine.DirRequest{
		LocalDir:  abs,
		Prefix:    name,
		Direction: syncengine.DirectionUpload,
		Force:     true,
		Exclude:   exclude,
	})
	if err != nil {
		return fmt.Errorf("failed to stage case %s: %w", name, err)
	}
	if err := report.Err(); err != nil {
		return fmt.Errorf("failed to stage case %s: %w", name, err)
	}

	spec := backend.TaskSpec{
		ID:           name,
		Image:        c.m.Image(),
		Command:      command,
		Container:    c.names.Container,
		ContainerURL: c.m.Container.URL,
		InputPrefix:  casePrefix(name),
		OutputPrefix: casePrefix(name),
	}
	if err := c.compute.AddTask(ctx, c.names.Job, spec); err != nil {
		if backend.IsAlreadyExists(err) && ignoreExists {
			log.Warn("task appeared while staging, keeping the existing one")
		} else {
			return fmt.Errorf("failed to add task %s: %w", name, err)
		}
	}
	if err := c.m.Ledger.Add(name, abs); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"files": report.Uploaded, "excluded": report.Excluded}).Info("submitted task")
	return nil
}

func (c *Controller) unknownCase(name string) error {
	return &LocalPreconditionError{Case: name, Reason: ReasonUnknownCase, Suggestion: c.m.Ledger.Suggest(name)}
}

// RemoveTask deletes the remote task and its ledger entry. With purge set the
// case's files are also removed from the container.
func (c *Controller) RemoveTask(ctx context.Context, name string, purge bool) error {
	if !c.m.Ledger.Has(name) {
		return c.unknownCase(name)
	}
	log := c.log.WithField("case", name)
	switch err := c.compute.DeleteTask(ctx, c.names.Job, name); {
	case err == nil:
		log.Info("deleted task")
	case backend.IsNotFound(err):
		log.Info("task does not exist remotely")
	default:
		return fmt.Errorf("failed to delete task %s: %w", name, err)
	}
	if purge {
		if err := c.sync.DeletePrefix(ctx, name); err != nil {
			return fmt.Errorf("failed to purge files of case %s: %w", name, err)
		}
	}
	return c.m.Ledger.Remove(name)
}

// DownloadCase fetches the case directory back into its local path and marks
// it downloaded once every file made it.
func (c *Controller) DownloadCase(ctx context.Context, name string, exclude *syncengine.Excluder) (*syncengine.DirReport, error) {
	task, ok := c.m.Ledger.Get(name)
	if !ok {
		return nil, c.unknownCase(name)
	}
	var report *syncengine.DirReport
	err := telemetry.Trace(ctx, c.tracer, "controller.DownloadCase", func(ctx context.Context) error {
		var err error
		report, err = c.sync.SyncDir(ctx, syncengine.DirRequest{
			LocalDir:  task.Path,
			Prefix:    name,
			Direction: syncengine.DirectionDownload,
			Exclude:   exclude,
		})
		if err != nil {
			return fmt.Errorf("failed to download case %s: %w", name, err)
		}
		if err := report.Err(); err != nil {
			return fmt.Errorf("failed to download case %s: %w", name, err)
		}
		return c.m.Ledger.MarkDownloaded(name)
	}, attribute.String("case", name))
	return report, err
}
