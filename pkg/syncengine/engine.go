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

// Package syncengine keeps local case files and their remote copies in step.
//
// Every synced file has a record in the metadata table holding the local and
// remote modification times observed right after the last transfer. The
// remote clock is mapped back onto the local one through that pair, so skew
// between the two systems does not cause spurious transfers.
package syncengine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mission-toolkit/pkg/backend"
	"mission-toolkit/pkg/logging"
	"mission-toolkit/pkg/telemetry"
)

// RecordPartition is the partition key of every sync record.
const RecordPartition = "blobfiles"

// Action is the outcome of reconciling one file with one blob.
type Action int

const (
	ActionSkip Action = iota
	ActionUpload
	ActionDownload
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionUpload:
		return "upload"
	case ActionDownload:
		return "download"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Config names the container and table an Engine works against.
type Config struct {
	Container string
	Table     string
	// Workers bounds concurrent transfers in SyncDir. Values below 1 mean 1.
	Workers int
}

// Engine reconciles files against blobs of one container.
type Engine struct {
	cfg    Config
	store  backend.ObjectStore
	table  backend.MetadataTable
	fs     afero.Fs
	now    func() time.Time
	log    logrus.FieldLogger
	tracer trace.Tracer
}

// Option customizes an Engine.
type Option func(*Engine)

// WithFs sets the local filesystem. The default is the OS filesystem.
func WithFs(fs afero.Fs) Option { return func(e *Engine) { e.fs = fs } }

// WithClock sets the clock used as the reference time for blobs without a record.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option { return func(e *Engine) { e.log = log } }

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option { return func(e *Engine) { e.tracer = tracer } }

// New returns an Engine for cfg.
func New(cfg Config, store backend.ObjectStore, table backend.MetadataTable, opts ...Option) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	e := &Engine{
		cfg:    cfg,
		store:  store,
		table:  table,
		fs:     afero.NewOsFs(),
		now:    time.Now,
		log:    logging.Discard(),
		tracer: telemetry.NoopTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithFields(logrus.Fields{"container": cfg.Container, "table": cfg.Table})
	return e
}

// Fs returns the local filesystem the engine reads and writes.
func (e *Engine) Fs() afero.Fs { return e.fs }

// RecordKey is the row key of blob's sync record.
func RecordKey(blob string) string {
	return base64.URLEncoding.EncodeToString([]byte(blob))
}

func truncate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// localMtime returns the zero time when file does not exist.
func (e *Engine) localMtime(file string) (time.Time, bool, error) {
	info, err := e.fs.Stat(file)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to stat %q: %w", file, err)
	}
	if info.IsDir() {
		return time.Time{}, false, fmt.Errorf("%q is a directory, not a file", file)
	}
	return truncate(info.ModTime()), true, nil
}

func (e *Engine) record(ctx context.Context, blob string) (*backend.Entity, error) {
	rec, err := e.table.GetEntity(ctx, e.cfg.Table, RecordPartition, RecordKey(blob))
	if err != nil {
		if backend.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sync record of %q: %w", blob, err)
	}
	return rec, nil
}

func (e *Engine) remote(ctx context.Context, blob string) (*backend.BlobProps, error) {
	props, err := e.store.Stat(ctx, e.cfg.Container, blob)
	if err != nil {
		if backend.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read properties of blob %q: %w", blob, err)
	}
	return &props, nil
}

// Reconcile decides whether file or blob holds the newer content.
func (e *Engine) Reconcile(ctx context.Context, file, blob string) (Action, error) {
	var action Action
	err := telemetry.Trace(ctx, e.tracer, "syncengine.Reconcile", func(ctx context.Context) error {
		var err error
		action, err = e.reconcile(ctx, file, blob)
		return err
	}, attribute.String("blob", blob))
	return action, err
}

func (e *Engine) reconcile(ctx context.Context, file, blob string) (Action, error) {
	local, _, err := e.localMtime(file)
	if err != nil {
		return ActionSkip, err
	}
	rec, err := e.record(ctx, blob)
	if err != nil {
		return ActionSkip, err
	}
	props, err := e.remote(ctx, blob)
	if err != nil {
		return ActionSkip, err
	}

	var remote time.Time
	switch {
	case rec != nil && props == nil:
		return ActionSkip, &ConsistencyFaultError{
			Container: e.cfg.Container,
			Blob:      blob,
			Reason:    fmt.Sprintf("record exists in table %q but the blob does not", e.cfg.Table),
		}
	case rec != nil:
		abs, err := filepath.Abs(file)
		if err != nil {
			return ActionSkip, fmt.Errorf("failed to resolve %q: %w", file, err)
		}
		if rec.LocalPath != abs {
			return ActionSkip, &ConsistencyFaultError{
				Container: e.cfg.Container,
				Blob:      blob,
				Reason:    fmt.Sprintf("record belongs to %q, not %q", rec.LocalPath, abs),
			}
		}
		remote = rec.LocalMtime.Add(truncate(props.ModTime).Sub(rec.RemoteMtime))
	case props != nil:
		// Written by a compute node; nothing tells us how it relates to the
		// local copy, so treat it as modified now.
		remote = truncate(e.now())
	}

	log := e.log.WithFields(logrus.Fields{"blob": blob, "file": file, "local": local, "remote": remote})
	switch {
	case local.Equal(remote):
		log.Debug("file and blob are in sync")
		return ActionSkip, nil
	case local.After(remote):
		log.Debug("local file is newer")
		return ActionUpload, nil
	default:
		log.Debug("blob is newer")
		return ActionDownload, nil
	}
}

// Upload sends file to blob when the local copy is newer, or always when force
// is set. It returns the action taken.
func (e *Engine) Upload(ctx context.Context, file, blob string, force bool) (Action, error) {
	var action Action
	err := telemetry.Trace(ctx, e.tracer, "syncengine.Upload", func(ctx context.Context) error {
		var err error
		action, err = e.upload(ctx, file, blob, force)
		return err
	}, attribute.String("blob", blob), attribute.Bool("force", force))
	return action, err
}

func (e *Engine) upload(ctx context.Context, file, blob string, force bool) (Action, error) {
	if _, exists, err := e.localMtime(file); err != nil {
		return ActionSkip, err
	} else if !exists {
		return ActionSkip, fmt.Errorf("failed to upload %q: %w", file, os.ErrNotExist)
	}

	if !force {
		action, err := e.reconcile(ctx, file, blob)
		if err != nil {
			return ActionSkip, err
		}
		if action != ActionUpload {
			e.log.WithField("blob", blob).Debugf("no need to upload %s", file)
			return ActionSkip, nil
		}
	}

	f, err := e.fs.Open(file)
	if err != nil {
		return ActionSkip, fmt.Errorf("failed to open %q: %w", file, err)
	}
	props, err := e.store.Upload(ctx, e.cfg.Container, blob, f)
	f.Close()
	if err != nil {
		return ActionSkip, fmt.Errorf("failed to upload %q to blob %q: %w", file, blob, err)
	}

	if err := e.writeRecord(ctx, file, blob, props); err != nil {
		return ActionSkip, err
	}
	e.log.WithField("blob", blob).Infof("uploaded %s", file)
	return ActionUpload, nil
}

// Download fetches blob into file when the remote copy is newer, or always
// when force is set. Missing parent directories are created.
func (e *Engine) Download(ctx context.Context, file, blob string, force bool) (Action, error) {
	var action Action
	err := telemetry.Trace(ctx, e.tracer, "syncengine.Download", func(ctx context.Context) error {
		var err error
		action, err = e.download(ctx, file, blob, force)
		return err
	}, attribute.String("blob", blob), attribute.Bool("force", force))
	return action, err
}

func (e *Engine) download(ctx context.Context, file, blob string, force bool) (Action, error) {
	if _, err := e.store.Stat(ctx, e.cfg.Container, blob); err != nil {
		return ActionSkip, fmt.Errorf("failed to download blob %q: %w", blob, err)
	}

	if !force {
		action, err := e.reconcile(ctx, file, blob)
		if err != nil {
			return ActionSkip, err
		}
		if action != ActionDownload {
			e.log.WithField("blob", blob).Debugf("no need to download to %s", file)
			return ActionSkip, nil
		}
	}

	dir := filepath.Dir(file)
	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return ActionSkip, fmt.Errorf("failed to create directory %q: %w", dir, err)
	}
	tmp, err := afero.TempFile(e.fs, dir, "."+filepath.Base(file)+".part-*")
	if err != nil {
		return ActionSkip, fmt.Errorf("failed to create temporary file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()
	props, err := e.store.Download(ctx, e.cfg.Container, blob, tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = e.fs.Remove(tmpName)
		return ActionSkip, fmt.Errorf("failed to download blob %q to %q: %w", blob, file, err)
	}
	if err := e.fs.Rename(tmpName, file); err != nil {
		_ = e.fs.Remove(tmpName)
		return ActionSkip, fmt.Errorf("failed to move download into place at %q: %w", file, err)
	}

	if err := e.writeRecord(ctx, file, blob, props); err != nil {
		return ActionSkip, err
	}
	e.log.WithField("blob", blob).Infof("downloaded %s", file)
	return ActionDownload, nil
}

// writeRecord stores the correspondence observed right after a transfer.
func (e *Engine) writeRecord(ctx context.Context, file, blob string, props backend.BlobProps) error {
	local, exists, err := e.localMtime(file)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("file %q vanished after transfer", file)
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return fmt.Errorf("failed to resolve %q: %w", file, err)
	}
	rec := backend.Entity{
		PartitionKey: RecordPartition,
		RowKey:       RecordKey(blob),
		LocalPath:    abs,
		LocalMtime:   local,
		RemoteMtime:  truncate(props.ModTime),
	}
	if err := e.table.UpsertEntity(ctx, e.cfg.Table, rec); err != nil {
		return fmt.Errorf("failed to update sync record of %q: %w", blob, err)
	}
	return nil
}

// DeleteBlob removes blob and its record. A missing blob is an error unless
// ignoreMissing is set.
func (e *Engine) DeleteBlob(ctx context.Context, blob string, ignoreMissing bool) error {
	return telemetry.Trace(ctx, e.tracer, "syncengine.DeleteBlob", func(ctx context.Context) error {
		if err := e.store.DeleteBlob(ctx, e.cfg.Container, blob); err != nil {
			if backend.IsNotFound(err) && ignoreMissing {
				e.log.WithField("blob", blob).Info("blob does not exist, skipping deletion")
				return nil
			}
			return fmt.Errorf("failed to delete blob %q: %w", blob, err)
		}
		err := e.table.DeleteEntity(ctx, e.cfg.Table, RecordPartition, RecordKey(blob))
		if err != nil && !backend.IsNotFound(err) {
			return fmt.Errorf("failed to delete sync record of %q: %w", blob, err)
		}
		return nil
	}, attribute.String("blob", blob))
}

// DeletePrefix removes every blob under prefix together with its record.
func (e *Engine) DeletePrefix(ctx context.Context, prefix string) error {
	blobs, _, err := e.store.List(ctx, e.cfg.Container, dirPrefix(prefix), "")
	if err != nil {
		return fmt.Errorf("failed to list blobs under %q: %w", prefix, err)
	}
	var errs []error
	for _, b := range blobs {
		if err := e.DeleteBlob(ctx, b.Name, true); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		e.log.Infof("deleted %d blobs under %s", len(blobs), prefix)
	}
	return errors.Join(errs...)
}
