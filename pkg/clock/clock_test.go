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

package clock

import (
	"context"
	"testing"
	"time"
)

func TestManual(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)
	ctx := context.Background()

	if err := m.Sleep(ctx, 5*time.Second); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	m.Advance(time.Minute)
	if err := m.Sleep(ctx, 5*time.Second); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}

	if got, want := m.Now(), start.Add(70*time.Second); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
	if got := len(m.Sleeps()); got != 2 {
		t.Errorf("len(Sleeps()) = %d, want 2", got)
	}
	if got := m.Slept(); got != 10*time.Second {
		t.Errorf("Slept() = %v, want 10s", got)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Real().Sleep(ctx, time.Hour); err != context.Canceled {
		t.Errorf("Real().Sleep() error = %v, want %v", err, context.Canceled)
	}
	m := NewManual(time.Time{})
	if err := m.Sleep(ctx, time.Hour); err != context.Canceled {
		t.Errorf("Manual.Sleep() error = %v, want %v", err, context.Canceled)
	}
	if m.Slept() != 0 {
		t.Errorf("cancelled Sleep advanced the clock")
	}
}
