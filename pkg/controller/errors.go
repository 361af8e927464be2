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
	"errors"
	"fmt"
	"time"
)

var (
	// ErrResourceRaceTimeout is matched by ResourceRaceTimeoutError.
	ErrResourceRaceTimeout = errors.New("resource race timeout")
	// ErrLocalPrecondition is matched by LocalPreconditionError.
	ErrLocalPrecondition = errors.New("local precondition failed")
	// ErrPoolImageConflict means a pool with the mission's name already runs a different image.
	ErrPoolImageConflict = errors.New("existing pool runs a different image")
	// ErrAutoscaleEnabled rejects manual resizes of an autoscaling pool.
	ErrAutoscaleEnabled = errors.New("pool autoscaling is enabled")
)

// ResourceRaceTimeoutError is returned when a resource was still being
// deleted after every retry.
type ResourceRaceTimeoutError struct {
	Resource string
	Attempts int
	Waited   time.Duration
	Last     error
}

func (e *ResourceRaceTimeoutError) Error() string {
	return fmt.Sprintf("%s was still being deleted after %d attempts over %s: %v", e.Resource, e.Attempts, e.Waited, e.Last)
}

func (e *ResourceRaceTimeoutError) Is(target error) bool { return target == ErrResourceRaceTimeout }

func (e *ResourceRaceTimeoutError) Unwrap() error { return e.Last }

// PreconditionReason names a local precondition a case failed.
type PreconditionReason string

const (
	ReasonMissingLocal PreconditionReason = "missing-local"
	ReasonDuplicate    PreconditionReason = "duplicate"
	ReasonUnknownCase  PreconditionReason = "unknown-case"
)

// LocalPreconditionError reports a case the caller asked for that cannot be
// acted on as requested. Whether it is fatal is the caller's decision.
type LocalPreconditionError struct {
	Case   string
	Path   string
	Reason PreconditionReason
	// Suggestion is the closest known case name, if any.
	Suggestion string
}

func (e *LocalPreconditionError) Error() string {
	switch e.Reason {
	case ReasonMissingLocal:
		return fmt.Sprintf("case %q: local directory %q does not exist", e.Case, e.Path)
	case ReasonDuplicate:
		return fmt.Sprintf("case %q already exists", e.Case)
	case ReasonUnknownCase:
		if e.Suggestion != "" {
			return fmt.Sprintf("case %q is not part of the mission; did you mean %q?", e.Case, e.Suggestion)
		}
		return fmt.Sprintf("case %q is not part of the mission", e.Case)
	default:
		return fmt.Sprintf("case %q: %s", e.Case, e.Reason)
	}
}

func (e *LocalPreconditionError) Is(target error) bool { return target == ErrLocalPrecondition }

// IsPrecondition reports whether err is a LocalPreconditionError with reason.
func IsPrecondition(err error, reason PreconditionReason) bool {
	var pe *LocalPreconditionError
	return errors.As(err, &pe) && pe.Reason == reason
}
