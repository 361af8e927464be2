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

package backend

import (
	"errors"
	"fmt"
)

// Adapters wrap provider errors in these sentinels so the engine can tell benign
// races apart from real failures. Anything else is passed through unchanged.
var (
	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
	ErrBeingDeleted  = errors.New("being deleted")
)

// Wrap tags cause with kind while keeping cause inspectable.
func Wrap(kind error, resource string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", resource, kind)
	}
	return fmt.Errorf("%s: %w: %w", resource, kind, cause)
}

// IsAlreadyExists reports whether err means the resource was already there.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// IsNotFound reports whether err means the resource is absent.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsBeingDeleted reports whether err means a deletion of the same name is in flight.
func IsBeingDeleted(err error) bool { return errors.Is(err, ErrBeingDeleted) }
