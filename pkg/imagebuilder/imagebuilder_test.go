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


package imagebuilder

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mission-toolkit/pkg/logging"
	"mission-toolkit/pkg/syncengine"
)

func testRegistry(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(registry.New(registry.Logger(log.New(io.Discard, "", 0))))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func pushBase(t *testing.T, ref string) string {
	t.Helper()
	img, err := random.Image(256, 1)
	require.NoError(t, err)
	require.NoError(t, crane.Push(img, ref))
	digest, err := img.Digest()
	require.NoError(t, err)
	return digest.String()
}

func TestParsePlatform(t *testing.T) {
	tests := []struct {
		in      string
		os      string
		arch    string
		wantErr bool
	}{
		{in: "linux/amd64", os: "linux", arch: "amd64"},
		{in: "linux/arm64", os: "linux", arch: "arm64"},
		{in: "", os: "linux", arch: "amd64"},
		{in: "linux", wantErr: true},
		{in: "linux/arm64/v8", wantErr: true},
		{in: "/amd64", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parsePlatform(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("parsePlatform(%q) succeeded, want error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePlatform(%q): %v", tc.in, err)
			}
			if got.OS != tc.os || got.Architecture != tc.arch {
				t.Errorf("parsePlatform(%q) = %s/%s, want %s/%s", tc.in, got.OS, got.Architecture, tc.os, tc.arch)
			}
		})
	}
}

func TestResolverPinsTag(t *testing.T) {
	reg := testRegistry(t)
	digest := pushBase(t, reg+"/geoclaw:1.0")

	r := NewResolver(logging.Discard())
	got, err := r.Resolve(context.Background(), reg+"/geoclaw:1.0")
	require.NoError(t, err)
	assert.Equal(t, reg+"/geoclaw@"+digest, got)
}

func TestResolverPassesDigestThrough(t *testing.T) {
	ref := "registry.example.com/geoclaw@sha256:" + strings.Repeat("a", 64)
	got, err := NewResolver(logging.Discard()).Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, ref, got)
}

func TestResolverErrors(t *testing.T) {
	reg := testRegistry(t)
	r := NewResolver(logging.Discard())

	_, err := r.Resolve(context.Background(), "UPPER/case:tag")
	assert.Error(t, err)

	_, err = r.Resolve(context.Background(), reg+"/missing:latest")
	assert.Error(t, err)
}

func scriptFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	files := map[string]string{
		"/scripts/run.py":                "print('run')",
		"/scripts/createnc.py":           "print('nc')",
		"/scripts/lib/helpers.py":        "x = 1",
		"/scripts/lib/__pycache__/h.pyc": "bytecode",
		"/scripts/notes.log":             "debug output",
	}
	for p, body := range files {
		require.NoError(t, afero.WriteFile(fs, p, []byte(body), 0o644))
	}
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/scripts", syncengine.IgnoreFileName), []byte("*.log\n"), 0o644))
	return fs
}

func layerFiles(t *testing.T, ref string) map[string]string {
	t.Helper()
	img, err := crane.Pull(ref)
	require.NoError(t, err)
	layers, err := img.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 2)

	rc, err := layers[1].Uncompressed()
	require.NoError(t, err)
	defer rc.Close()

	files := map[string]string{}
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = string(body)
	}
	return files
}

func TestBuildAppendsFilteredLayer(t *testing.T) {
	reg := testRegistry(t)
	pushBase(t, reg+"/base:latest")

	b := NewBuilder(logging.Discard(), WithFs(scriptFs(t)))
	ref, err := b.Build(context.Background(), BuildRequest{
		Image:     reg + "/runner:test",
		BaseImage: reg + "/base:latest",
		ScriptDir: "/scripts",
		Platform:  LinuxAMD64,
	}, syncengine.StagingExcludes)
	require.NoError(t, err)
	assert.Equal(t, reg+"/runner:test", ref)

	files := layerFiles(t, ref)
	var names []string
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"opt/mission/createnc.py",
		"opt/mission/lib/helpers.py",
		"opt/mission/run.py",
	}, names)
	assert.Equal(t, "print('run')", files["opt/mission/run.py"])
}

func TestBuildGeneratesTag(t *testing.T) {
	reg := testRegistry(t)
	pushBase(t, reg+"/base:latest")
	t.Setenv("USER", "Ada")

	at := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)
	b := NewBuilder(logging.Discard(), WithFs(scriptFs(t)), WithClock(func() time.Time { return at }))
	ref, err := b.Build(context.Background(), BuildRequest{
		Registry:  reg,
		BaseImage: reg + "/base:latest",
		ScriptDir: "/scripts",
	}, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, reg+"/ada-runner:"), ref)
	assert.True(t, strings.HasSuffix(ref, "-2026-03-01-12-30-05"), ref)
}

func TestBuildRequiresDestination(t *testing.T) {
	b := NewBuilder(logging.Discard(), WithFs(afero.NewMemMapFs()))
	_, err := b.Build(context.Background(), BuildRequest{BaseImage: "busybox"}, nil)
	assert.Error(t, err)
}

func TestBuildMissingBase(t *testing.T) {
	reg := testRegistry(t)
	fs := scriptFs(t)
	b := NewBuilder(logging.Discard(), WithFs(fs))
	_, err := b.Build(context.Background(), BuildRequest{
		Image:     reg + "/runner:test",
		BaseImage: reg + "/nothing:latest",
		ScriptDir: "/scripts",
	}, nil)
	require.Error(t, err)

	leftovers, err := afero.Glob(fs, filepath.Join(os.TempDir(), "mission-build-context-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
