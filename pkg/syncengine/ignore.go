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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/spf13/afero"
)

// IgnoreFileName is read from a case directory to extend the exclusion list.
// It uses .dockerignore syntax.
const IgnoreFileName = ".missionignore"

// StagingExcludes keeps build caches and simulation by-products out of the
// staged input of a case.
var StagingExcludes = []string{
	"**/__pycache__",
	"**/*.data",
	"**/fort.*",
	"**/_plots",
	"**/*.asc",
	"**/*.prj",
	"**/*.nc",
	IgnoreFileName,
}

// DownloadFilter chooses which bulky outputs come back with a case. Each flag
// includes its category; the zero value skips all three.
type DownloadFilter struct {
	RawData bool
	Figures bool
	Rasters bool
}

// Patterns renders the filter as exclusion patterns.
func (f DownloadFilter) Patterns() []string {
	patterns := []string{"**/__pycache__"}
	if !f.RawData {
		patterns = append(patterns, "**/*.data", "**/fort.*")
	}
	if !f.Figures {
		patterns = append(patterns, "**/_plots")
	}
	if !f.Rasters {
		patterns = append(patterns, "**/*.asc", "**/*.prj")
	}
	return patterns
}

// Excluder decides which relative paths a directory sync skips. A nil
// Excluder skips nothing.
type Excluder struct {
	patterns []string
	matcher  *patternmatcher.PatternMatcher
}

// NewExcluder compiles patterns.
func NewExcluder(patterns []string) (*Excluder, error) {
	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern matcher: %w", err)
	}
	return &Excluder{patterns: append([]string(nil), patterns...), matcher: matcher}, nil
}

// Patterns returns the compiled patterns.
func (x *Excluder) Patterns() []string {
	if x == nil {
		return nil
	}
	return append([]string(nil), x.patterns...)
}

// Excluded reports whether relPath, relative to the synced root, is skipped.
// Directories get a trailing slash so directory-only patterns apply, and a
// path inside an excluded directory is excluded too.
func (x *Excluder) Excluded(relPath string, isDir bool) (bool, error) {
	if x == nil || relPath == "" || relPath == "." {
		return false, nil
	}
	p := filepath.ToSlash(relPath)
	if isDir && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	ignored, err := x.matcher.MatchesOrParentMatches(p)
	if err != nil {
		return false, fmt.Errorf("failed to check exclusion patterns for %q: %w", relPath, err)
	}
	return ignored, nil
}

// ReadIgnoreFile builds an Excluder from defaults plus the patterns found in
// dir's ignore file, if it has one.
func ReadIgnoreFile(fs afero.Fs, dir string, defaults []string) (*Excluder, error) {
	path := filepath.Join(dir, IgnoreFileName)

	patterns := append([]string(nil), defaults...)
	f, err := fs.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		filePatterns, err := ignorefile.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s file %q: %w", IgnoreFileName, path, err)
		}
		patterns = append(patterns, filePatterns...)
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to open %s file %q: %w", IgnoreFileName, path, err)
	}
	return NewExcluder(patterns)
}
