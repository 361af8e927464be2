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
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/compression"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"mission-toolkit/pkg/syncengine"
)

// DockerPlatform represents the target platform for a Docker image.
type DockerPlatform string

const (
	LinuxAMD64 DockerPlatform = "linux/amd64"
	LinuxARM64 DockerPlatform = "linux/arm64"
)

// ScriptRoot is where the script directory lands inside the runner image.
const ScriptRoot = "opt/mission"

// BuildRequest describes one runner image build.
type BuildRequest struct {
	// Registry is the repository prefix used when Image is empty, e.g.
	// gcr.io/my-project.
	Registry string
	// Image is the full destination reference. When empty a tag is derived
	// from the user name and the build time.
	Image     string
	BaseImage string
	ScriptDir string
	Platform  DockerPlatform
}

// Builder layers a script directory onto a base image and pushes the result.
type Builder struct {
	fs   afero.Fs
	log  logrus.FieldLogger
	now  func() time.Time
	opts []crane.Option
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithFs reads the script directory from fs instead of the OS filesystem.
func WithFs(fs afero.Fs) BuilderOption {
	return func(b *Builder) { b.fs = fs }
}

// WithClock overrides the time used for generated tags.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithCraneOptions passes opts to every registry call.
func WithCraneOptions(opts ...crane.Option) BuilderOption {
	return func(b *Builder) { b.opts = append(b.opts, opts...) }
}

// NewBuilder returns a Builder.
func NewBuilder(log logrus.FieldLogger, opts ...BuilderOption) *Builder {
	b := &Builder{fs: afero.NewOsFs(), log: log, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates the runner image and returns its reference. Paths matched by
// the defaults plus the script directory's ignore file stay out of the layer.
func (b *Builder) Build(ctx context.Context, req BuildRequest, defaults []string) (string, error) {
	platform, err := parsePlatform(string(req.Platform))
	if err != nil {
		return "", err
	}
	imageName := req.Image
	if imageName == "" {
		if req.Registry == "" {
			return "", fmt.Errorf("either an image or a registry is required")
		}
		imageName = b.generatedName(req.Registry)
	}
	log := b.log.WithField("image", imageName)

	log.Infof("Starting image build from %s", req.BaseImage)
	log.Debugf("Script directory: %s, platform: %s/%s", req.ScriptDir, platform.OS, platform.Architecture)

	excluder, err := syncengine.ReadIgnoreFile(b.fs, req.ScriptDir, defaults)
	if err != nil {
		return "", err
	}

	tarballPath, err := b.createFilteredTar(req.ScriptDir, excluder)
	if err != nil {
		return "", fmt.Errorf("failed to create filtered tarball: %w", err)
	}
	defer func() {
		if err := b.fs.Remove(tarballPath); err != nil {
			log.Debugf("Failed to clean up temporary tarball %s: %v", tarballPath, err)
		}
	}()

	layer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		f, openErr := b.fs.Open(tarballPath)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open temporary tarball %q: %w", tarballPath, openErr)
		}
		return f, nil
	}, tarball.WithCompression(compression.GZip))
	if err != nil {
		return "", fmt.Errorf("failed to create layer from tarball: %w", err)
	}

	baseRef, err := name.ParseReference(req.BaseImage)
	if err != nil {
		return "", fmt.Errorf("failed to parse base image reference %q: %w", req.BaseImage, err)
	}
	opts := append([]crane.Option{crane.WithContext(ctx), crane.WithPlatform(&platform)}, b.opts...)
	base, err := crane.Pull(baseRef.String(), opts...)
	if err != nil {
		return "", fmt.Errorf("failed to pull base image %q: %w", req.BaseImage, err)
	}

	img, err := mutate.AppendLayers(base, layer)
	if err != nil {
		return "", fmt.Errorf("failed to append layer: %w", err)
	}

	ref, err := name.ParseReference(imageName)
	if err != nil {
		return "", fmt.Errorf("failed to parse new image reference %q: %w", imageName, err)
	}
	log.Infof("Uploading container image")
	if err := crane.Push(img, ref.String(), opts...); err != nil {
		return "", fmt.Errorf("failed to push image %q: %w", imageName, err)
	}
	log.Infof("Image built and uploaded")
	return ref.String(), nil
}

func (b *Builder) generatedName(registry string) string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	tag := fmt.Sprintf("%s-%s", generateRandomString(4), b.now().Format("2006-01-02-15-04-05"))
	return fmt.Sprintf("%s/%s-runner:%s", strings.TrimSuffix(registry, "/"), strings.ToLower(user), tag)
}

// parsePlatform converts a platform string (e.g., "linux/amd64") into a v1.Platform struct.
func parsePlatform(platformStr string) (v1.Platform, error) {
	if platformStr == "" {
		platformStr = string(LinuxAMD64)
	}
	parts := strings.Split(platformStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return v1.Platform{}, fmt.Errorf("invalid platform format: %q, expected \"os/arch\"", platformStr)
	}
	return v1.Platform{
		OS:           parts[0],
		Architecture: parts[1],
	}, nil
}

func generateRandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz"
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	out := make([]byte, length)
	for i := range out {
		out[i] = charset[r.Intn(len(charset))]
	}
	return string(out)
}

// processTarEntry writes one walked path into the layer, under ScriptRoot.
func (b *Builder) processTarEntry(tw *tar.Writer, sourceDir string, excluder *syncengine.Excluder, path string, info fs.FileInfo, errFromWalk error) error {
	if errFromWalk != nil {
		return errFromWalk
	}

	relPath, err := filepath.Rel(sourceDir, path)
	if err != nil {
		return fmt.Errorf("failed to get relative path for %q: %w", path, err)
	}
	if relPath == "." {
		return nil
	}

	ignored, err := excluder.Excluded(relPath, info.IsDir())
	if err != nil {
		return err
	}
	if ignored {
		if info.IsDir() {
			b.log.Debugf("Ignoring directory %q", relPath)
			return filepath.SkipDir
		}
		b.log.Debugf("Ignoring file %q", relPath)
		return nil
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %q: %w", path, err)
	}
	header.Name = ScriptRoot + "/" + filepath.ToSlash(relPath)
	if info.IsDir() {
		header.Name += "/"
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %q: %w", path, err)
	}

	if info.Mode().IsRegular() {
		f, err := b.fs.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file %q: %w", path, err)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("failed to write file content for %q: %w", path, err)
		}
	}
	return nil
}

// createFilteredTar writes a gzipped tarball of sourceDir to a temporary file
// and returns its path.
func (b *Builder) createFilteredTar(sourceDir string, excluder *syncengine.Excluder) (string, error) {
	tmp, err := afero.TempFile(b.fs, "", "mission-build-context-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file for tarball: %w", err)
	}
	b.log.Debugf("Creating filtered tar from %s in %s", sourceDir, tmp.Name())

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	walkErr := afero.Walk(b.fs, sourceDir, func(p string, info fs.FileInfo, err error) error {
		return b.processTarEntry(tw, sourceDir, excluder, p, info, err)
	})
	for _, c := range []io.Closer{tw, gz, tmp} {
		if closeErr := c.Close(); closeErr != nil && walkErr == nil {
			walkErr = fmt.Errorf("failed to finish tarball: %w", closeErr)
		}
	}
	if walkErr != nil {
		_ = b.fs.Remove(tmp.Name())
		return "", walkErr
	}
	return tmp.Name(), nil
}
