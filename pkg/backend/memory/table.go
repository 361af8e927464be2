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

package memory

import (
	"context"
	"sync"

	"mission-toolkit/pkg/backend"
)

type entityKey struct {
	partition string
	row       string
}

// Table is an in-memory metadata table store.
type Table struct {
	mu     sync.Mutex
	tables map[string]map[entityKey]backend.Entity
}

var _ backend.MetadataTable = (*Table)(nil)

// NewTable returns an empty table store.
func NewTable() *Table {
	return &Table{tables: map[string]map[entityKey]backend.Entity{}}
}

func (t *Table) CreateTable(ctx context.Context, table string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tables[table]; !ok {
		t.tables[table] = map[entityKey]backend.Entity{}
	}
	return nil
}

func (t *Table) DeleteTable(ctx context.Context, table string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tables[table]; !ok {
		return backend.Wrap(backend.ErrNotFound, "table "+table, nil)
	}
	delete(t.tables, table)
	return nil
}

func (t *Table) GetEntity(ctx context.Context, table, partition, row string) (*backend.Entity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, ok := t.tables[table]
	if !ok {
		return nil, backend.Wrap(backend.ErrNotFound, "table "+table, nil)
	}
	e, ok := rows[entityKey{partition, row}]
	if !ok {
		return nil, backend.Wrap(backend.ErrNotFound, "entity "+row, nil)
	}
	return &e, nil
}

func (t *Table) UpsertEntity(ctx context.Context, table string, e backend.Entity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, ok := t.tables[table]
	if !ok {
		return backend.Wrap(backend.ErrNotFound, "table "+table, nil)
	}
	rows[entityKey{e.PartitionKey, e.RowKey}] = e
	return nil
}

func (t *Table) DeleteEntity(ctx context.Context, table, partition, row string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, ok := t.tables[table]
	if !ok {
		return backend.Wrap(backend.ErrNotFound, "table "+table, nil)
	}
	k := entityKey{partition, row}
	if _, ok := rows[k]; !ok {
		return backend.Wrap(backend.ErrNotFound, "entity "+row, nil)
	}
	delete(rows, k)
	return nil
}

// Len reports the number of entities in table.
func (t *Table) Len(table string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tables[table])
}
