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

package mission

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/agext/levenshtein"
)

var (
	// ErrTaskExists is returned when a case name is already in the ledger.
	ErrTaskExists = errors.New("task already in ledger")
	// ErrTaskNotFound is returned when a case name is not in the ledger.
	ErrTaskNotFound = errors.New("task not in ledger")
)

// Task is one ledger entry, keyed by case name.
type Task struct {
	Path       string     `yaml:"path"`
	ParentPath string     `yaml:"parentPath"`
	Completed  bool       `yaml:"completed"`
	Succeeded  bool       `yaml:"succeeded"`
	Downloaded bool       `yaml:"downloaded"`
	FinishedAt *time.Time `yaml:"finishedAt,omitempty"`
}

// Failed reports whether the task finished without succeeding.
func (t Task) Failed() bool {
	return t.Completed && !t.Succeeded
}

// LedgerCounts summarizes the ledger.
type LedgerCounts struct {
	Total      int
	Completed  int
	Succeeded  int
	Failed     int
	Downloaded int
}

// Outstanding is the number of tasks neither succeeded nor failed.
func (c LedgerCounts) Outstanding() int {
	return c.Total - c.Succeeded - c.Failed
}

// Ledger maps case names to their metadata. It is not safe for concurrent
// mutation; the orchestrator is its only writer.
type Ledger struct {
	tasks map[string]*Task
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{tasks: map[string]*Task{}}
}

// Add records a submitted case.
func (l *Ledger) Add(name, path string) error {
	if _, ok := l.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, name)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve case path %q: %w", path, err)
	}
	l.tasks[name] = &Task{Path: abs, ParentPath: filepath.Dir(abs)}
	return nil
}

// Remove drops a case. Removal is always explicit.
func (l *Ledger) Remove(name string) error {
	if _, ok := l.tasks[name]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	delete(l.tasks, name)
	return nil
}

// Get returns a copy of the entry for name.
func (l *Ledger) Get(name string) (Task, bool) {
	t, ok := l.tasks[name]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Has reports whether name is in the ledger.
func (l *Ledger) Has(name string) bool {
	_, ok := l.tasks[name]
	return ok
}

// Len is the number of entries.
func (l *Ledger) Len() int {
	return len(l.tasks)
}

// Names returns case names in sorted order.
func (l *Ledger) Names() []string {
	names := make([]string, 0, len(l.tasks))
	for name := range l.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarkFinished records that a case completed, successfully or not.
func (l *Ledger) MarkFinished(name string, succeeded bool, at time.Time) error {
	t, ok := l.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	t.Completed = true
	t.Succeeded = succeeded
	at = at.UTC()
	t.FinishedAt = &at
	return nil
}

// MarkDownloaded records that a finished case was fetched.
func (l *Ledger) MarkDownloaded(name string) error {
	t, ok := l.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	t.Downloaded = true
	return nil
}

// Counts tallies entry states.
func (l *Ledger) Counts() LedgerCounts {
	c := LedgerCounts{Total: len(l.tasks)}
	for _, t := range l.tasks {
		if t.Completed {
			c.Completed++
			if t.Succeeded {
				c.Succeeded++
			} else {
				c.Failed++
			}
		}
		if t.Downloaded {
			c.Downloaded++
		}
	}
	return c
}

// Merge adds the entries of other that are missing here and returns how many
// were added. Entries already present are left untouched.
func (l *Ledger) Merge(other *Ledger) int {
	if other == nil {
		return 0
	}
	added := 0
	for name, t := range other.tasks {
		if _, ok := l.tasks[name]; ok {
			continue
		}
		cp := *t
		l.tasks[name] = &cp
		added++
	}
	return added
}

// Suggest returns the closest known case name to name, or "" when nothing is
// close enough to be a likely typo.
func (l *Ledger) Suggest(name string) string {
	best, bestDist := "", 4
	for _, candidate := range l.Names() {
		if d := levenshtein.Distance(name, candidate, nil); d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best
}

func (l *Ledger) entries() map[string]Task {
	out := make(map[string]Task, len(l.tasks))
	for name, t := range l.tasks {
		out[name] = *t
	}
	return out
}

func ledgerFromEntries(entries map[string]Task) *Ledger {
	l := NewLedger()
	for name, t := range entries {
		cp := t
		l.tasks[name] = &cp
	}
	return l
}
