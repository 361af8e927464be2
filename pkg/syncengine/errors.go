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
	"errors"
	"fmt"
)

// ErrConsistencyFault marks a metadata record that no longer matches the store.
var ErrConsistencyFault = errors.New("sync consistency fault")

// ConsistencyFaultError reports a record that claims a synced copy the store
// does not hold, or a record written for a different local file. It is never
// repaired automatically.
type ConsistencyFaultError struct {
	Container string
	Blob      string
	Reason    string
}

func (e *ConsistencyFaultError) Error() string {
	return fmt.Sprintf("consistency fault on blob %q in container %q: %s", e.Blob, e.Container, e.Reason)
}

func (e *ConsistencyFaultError) Is(target error) bool {
	return target == ErrConsistencyFault
}
