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


// Package postgres keeps sync records in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mission-toolkit/pkg/backend"
	"mission-toolkit/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const foreignKeyViolation = "23503"

// Table implements backend.MetadataTable. Each logical table is a row in
// sync_tables; its entities live in sync_records.
type Table struct {
	pool   *pgxpool.Pool
	log    logrus.FieldLogger
	tracer trace.Tracer
}

var _ backend.MetadataTable = (*Table)(nil)

// Option configures a Table.
type Option func(*Table)

// WithTracer traces every statement group.
func WithTracer(tracer trace.Tracer) Option {
	return func(t *Table) { t.tracer = tracer }
}

// New wraps a pool whose schema is already migrated.
func New(pool *pgxpool.Pool, log logrus.FieldLogger, opts ...Option) *Table {
	t := &Table{pool: pool, log: log, tracer: telemetry.NoopTracer()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open connects to dsn, migrates the schema and returns the table store.
func Open(ctx context.Context, dsn string, log logrus.FieldLogger, opts ...Option) (*Table, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if err := Migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool, log, opts...), nil
}

// Migrate brings the schema up to date.
func Migrate(pool *pgxpool.Pool) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close releases the pool.
func (t *Table) Close() {
	t.pool.Close()
}

func (t *Table) trace(ctx context.Context, name, table string, fn func(context.Context) error) error {
	return telemetry.Trace(ctx, t.tracer, name, fn, attribute.String("table", table))
}

func (t *Table) CreateTable(ctx context.Context, table string) error {
	return t.trace(ctx, "postgres.CreateTable", table, func(ctx context.Context) error {
		_, err := t.pool.Exec(ctx, `INSERT INTO sync_tables (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, table)
		if err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
		return nil
	})
}

// DeleteTable drops the table and, through the foreign key, all its rows.
func (t *Table) DeleteTable(ctx context.Context, table string) error {
	return t.trace(ctx, "postgres.DeleteTable", table, func(ctx context.Context) error {
		tag, err := t.pool.Exec(ctx, `DELETE FROM sync_tables WHERE name = $1`, table)
		if err != nil {
			return fmt.Errorf("failed to delete table %s: %w", table, err)
		}
		if tag.RowsAffected() == 0 {
			return backend.Wrap(backend.ErrNotFound, "table "+table, nil)
		}
		return nil
	})
}

func (t *Table) GetEntity(ctx context.Context, table, partition, row string) (*backend.Entity, error) {
	var e *backend.Entity
	err := t.trace(ctx, "postgres.GetEntity", table, func(ctx context.Context) error {
		got := backend.Entity{PartitionKey: partition, RowKey: row}
		err := t.pool.QueryRow(ctx, `
			SELECT local_path, local_mtime, remote_mtime
			FROM sync_records
			WHERE table_name = $1 AND partition_key = $2 AND row_key = $3`,
			table, partition, row,
		).Scan(&got.LocalPath, &got.LocalMtime, &got.RemoteMtime)
		if errors.Is(err, pgx.ErrNoRows) {
			return backend.Wrap(backend.ErrNotFound, "entity "+row, nil)
		}
		if err != nil {
			return fmt.Errorf("failed to get entity %s: %w", row, err)
		}
		got.LocalMtime = got.LocalMtime.UTC()
		got.RemoteMtime = got.RemoteMtime.UTC()
		e = &got
		return nil
	})
	return e, err
}

func (t *Table) UpsertEntity(ctx context.Context, table string, e backend.Entity) error {
	return t.trace(ctx, "postgres.UpsertEntity", table, func(ctx context.Context) error {
		_, err := t.pool.Exec(ctx, `
			INSERT INTO sync_records (table_name, partition_key, row_key, local_path, local_mtime, remote_mtime, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now())
			ON CONFLICT (table_name, partition_key, row_key) DO UPDATE SET
				local_path = EXCLUDED.local_path,
				local_mtime = EXCLUDED.local_mtime,
				remote_mtime = EXCLUDED.remote_mtime,
				updated_at = now()`,
			table, e.PartitionKey, e.RowKey, e.LocalPath, e.LocalMtime.UTC(), e.RemoteMtime.UTC(),
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return backend.Wrap(backend.ErrNotFound, "table "+table, err)
		}
		if err != nil {
			return fmt.Errorf("failed to upsert entity %s: %w", e.RowKey, err)
		}
		return nil
	})
}

func (t *Table) DeleteEntity(ctx context.Context, table, partition, row string) error {
	return t.trace(ctx, "postgres.DeleteEntity", table, func(ctx context.Context) error {
		tag, err := t.pool.Exec(ctx, `
			DELETE FROM sync_records
			WHERE table_name = $1 AND partition_key = $2 AND row_key = $3`,
			table, partition, row,
		)
		if err != nil {
			return fmt.Errorf("failed to delete entity %s: %w", row, err)
		}
		if tag.RowsAffected() == 0 {
			return backend.Wrap(backend.ErrNotFound, "entity "+row, nil)
		}
		return nil
	})
}
