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
	"strings"
	"unicode"
)

// TablePrefix starts every metadata table name.
const TablePrefix = "TABLE"

// Names are the four remote resources a mission owns.
type Names struct {
	Pool      string
	Job       string
	Container string
	Table     string
}

// MaxSlugLen bounds the resource slug so that "{slug}-pool" fits a GKE node
// pool name (40 characters) and "{slug}-container" a bucket name.
const MaxSlugLen = 30

// NamesFor derives resource names from a mission name. It is pure: the same
// mission name always yields the same names. Pool, job and container names
// use the DNS-safe slug of the name; the table keeps its letters and digits.
func NamesFor(mission string) Names {
	slug := Slug(mission)
	return Names{
		Pool:      slug + "-pool",
		Job:       slug + "-job",
		Container: slug + "-container",
		Table:     TablePrefix + alnumOnly(mission),
	}
}

// Slug lowercases name and turns every run of characters outside [a-z0-9]
// into a single hyphen, trimming hyphens at both ends.
func Slug(name string) string {
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if hyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			hyphen = false
			b.WriteRune(r)
			continue
		}
		hyphen = true
	}
	return b.String()
}

func alnumOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
