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


// Package imagebuilder pins pool images to digests and builds case-runner
// images on top of a base image.
package imagebuilder

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/sirupsen/logrus"
)

// Resolver pins image references to the digest the registry currently serves
// for them.
type Resolver struct {
	log  logrus.FieldLogger
	opts []crane.Option
}

// NewResolver returns a Resolver. opts are passed to every registry call.
func NewResolver(log logrus.FieldLogger, opts ...crane.Option) *Resolver {
	return &Resolver{log: log, opts: opts}
}

// Resolve returns ref in repo@sha256:... form. A reference that already names
// a digest is returned without contacting the registry.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("failed to parse image reference %q: %w", ref, err)
	}
	if d, ok := parsed.(name.Digest); ok {
		return d.String(), nil
	}

	opts := append([]crane.Option{crane.WithContext(ctx)}, r.opts...)
	digest, err := crane.Digest(parsed.String(), opts...)
	if err != nil {
		return "", fmt.Errorf("failed to resolve digest of %q: %w", ref, err)
	}
	pinned := parsed.Context().Digest(digest).String()
	r.log.WithField("image", ref).Debugf("Pinned image to %s", pinned)
	return pinned, nil
}
