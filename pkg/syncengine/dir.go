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

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Direction selects which way SyncDir moves files.
type Direction int

const (
	DirectionUpload Direction = iota
	DirectionDownload
)

func (d Direction) String() string {
	if d == DirectionDownload {
		return "download"
	}
	return "upload"
}

// DirRequest describes one directory sync.
type DirRequest struct {
	LocalDir  string
	Prefix    string
	Direction Direction
	Force     bool
	// Exclude filters paths relative to LocalDir (or to Prefix when
	// downloading). Nil excludes nothing.
	Exclude *Excluder
}

// DirReport counts what a directory sync did.
type DirReport struct {
	Uploaded   int
	Downloaded int
	Skipped    int
	Excluded   int
	Failed     map[string]error
}

// Err joins the per-file failures, or returns nil when there were none.
func (r *DirReport) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, r.Failed[name])
	}
	return errors.Join(errs...)
}

type dirJob struct {
	file string
	blob string
}

// dirPrefix returns prefix with exactly one trailing slash.
func dirPrefix(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/"
}

// SyncDir reconciles every file under req.LocalDir with the blobs under
// req.Prefix in the requested direction. Individual transfer failures are
// collected in the report; a consistency fault aborts the whole sync.
func (e *Engine) SyncDir(ctx context.Context, req DirRequest) (*DirReport, error) {
	var (
		jobs   []dirJob
		report = &DirReport{Failed: map[string]error{}}
		err    error
	)
	switch req.Direction {
	case DirectionUpload:
		jobs, err = e.localJobs(req, report)
	case DirectionDownload:
		jobs, err = e.remoteJobs(ctx, req, report)
	default:
		return nil, fmt.Errorf("unknown sync direction %d", req.Direction)
	}
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			var (
				action Action
				err    error
			)
			if req.Direction == DirectionUpload {
				action, err = e.Upload(gctx, job.file, job.blob, req.Force)
			} else {
				action, err = e.Download(gctx, job.file, job.blob, req.Force)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrConsistencyFault):
				return err
			case err != nil:
				report.Failed[job.blob] = err
			case action == ActionUpload:
				report.Uploaded++
			case action == ActionDownload:
				report.Downloaded++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	e.log.WithField("prefix", req.Prefix).Infof("%s of %s finished: %d uploaded, %d downloaded, %d skipped, %d excluded, %d failed",
		req.Direction, req.LocalDir, report.Uploaded, report.Downloaded, report.Skipped, report.Excluded, len(report.Failed))
	return report, nil
}

func (e *Engine) localJobs(req DirRequest, report *DirReport) ([]dirJob, error) {
	var jobs []dirJob
	err := afero.Walk(e.fs, req.LocalDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(req.LocalDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		excluded, err := req.Exclude.Excluded(filepath.ToSlash(rel), info.IsDir())
		if err != nil {
			return err
		}
		if excluded {
			report.Excluded++
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		jobs = append(jobs, dirJob{file: p, blob: dirPrefix(req.Prefix) + filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %q: %w", req.LocalDir, err)
	}
	return jobs, nil
}

func (e *Engine) remoteJobs(ctx context.Context, req DirRequest, report *DirReport) ([]dirJob, error) {
	prefix := dirPrefix(req.Prefix)
	blobs, _, err := e.store.List(ctx, e.cfg.Container, prefix, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs under %q: %w", prefix, err)
	}
	var jobs []dirJob
	for _, b := range blobs {
		rel := strings.TrimPrefix(b.Name, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		excluded, err := req.Exclude.Excluded(rel, false)
		if err != nil {
			return nil, err
		}
		if excluded {
			report.Excluded++
			continue
		}
		jobs = append(jobs, dirJob{
			file: filepath.Join(req.LocalDir, filepath.FromSlash(rel)),
			blob: b.Name,
		})
	}
	return jobs, nil
}
