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
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/compression"
	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/sirupsen/logrus"

	"shardrun/pkg/shell"
)

// DockerPlatform represents the target platform for a Docker image.
type DockerPlatform string

const (
	LinuxAMD64 DockerPlatform = "linux/amd64"
	LinuxARM64 DockerPlatform = "linux/arm64"
)

// DefaultIgnorePatterns keep VCS metadata and local data out of the build context.
var DefaultIgnorePatterns = []string{".git", ".dockerignore", "*.tar.gz", "data/", "**/__pycache__"}

// BuildOptions describe one worker image build.
type BuildOptions struct {
	BaseImage  string
	ContextDir string
	Platform   string
	// Target is the full reference the image is pushed to.
	Target string
	// Entrypoint is the worker binary inside the image. The build context is
	// unpacked into its directory.
	Entrypoint string
	Cmd        []string
	// Auth authenticates the push; the pull uses the default keychain.
	Auth          authn.Authenticator
	IgnoreMatcher *patternmatcher.PatternMatcher
}

// DefaultTag is a unique tag of the form abcd-YYYY-MM-DD-HH-MM-SS.
func DefaultTag() string {
	return fmt.Sprintf("%s-%s", shell.RandomString(4), time.Now().Format("2006-01-02-15-04-05"))
}

// BuildContainerImageFromBaseImage appends the filtered build context as one
// layer to the base image, points the entrypoint at the worker and pushes the
// result. It returns the digest reference of the pushed image.
func BuildContainerImageFromBaseImage(ctx context.Context, opts BuildOptions) (string, error) {
	platform, err := parsePlatform(opts.Platform)
	if err != nil {
		return "", err
	}
	if opts.Entrypoint == "" || !path.IsAbs(opts.Entrypoint) {
		return "", fmt.Errorf("entrypoint must be an absolute path, got %q", opts.Entrypoint)
	}
	if opts.IgnoreMatcher == nil {
		if opts.IgnoreMatcher, err = patternmatcher.New(nil); err != nil {
			return "", err
		}
	}
	auth := opts.Auth
	if auth == nil {
		auth = authn.Anonymous
	}
	destDir := strings.TrimPrefix(path.Dir(opts.Entrypoint), "/")

	log := logrus.WithFields(logrus.Fields{"target": opts.Target, "platform": opts.Platform})
	log.Infof("Starting image build process for %s", opts.Target)
	log.Infof("Base Docker Image: %s", opts.BaseImage)
	log.Infof("Context Directory: %s", opts.ContextDir)

	tempTarballPath, err := createFilteredTar(opts.ContextDir, destDir, opts.IgnoreMatcher)
	if err != nil {
		return "", fmt.Errorf("failed to create filtered tarball: %w", err)
	}
	defer func() {
		os.Remove(tempTarballPath)
		log.Debugf("Cleaned up temporary tarball file: %s", tempTarballPath)
	}()

	tarLayer, err := tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		file, openErr := os.Open(tempTarballPath)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open temporary tarball %q: %w", tempTarballPath, openErr)
		}
		return file, nil
	}, tarball.WithCompression(compression.GZip))
	if err != nil {
		return "", fmt.Errorf("failed to create layer from tarball: %w", err)
	}

	baseRef, err := name.ParseReference(opts.BaseImage)
	if err != nil {
		return "", fmt.Errorf("failed to parse base image reference %q: %w", opts.BaseImage, err)
	}
	baseImg, err := crane.Pull(baseRef.String(), crane.WithPlatform(&platform), crane.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to pull base image %q: %w", opts.BaseImage, err)
	}

	newImg, err := mutate.AppendLayers(baseImg, tarLayer)
	if err != nil {
		return "", fmt.Errorf("failed to append layer: %w", err)
	}

	cfgFile, err := newImg.ConfigFile()
	if err != nil {
		return "", fmt.Errorf("failed to read image config: %w", err)
	}
	imgCfg := cfgFile.Config
	imgCfg.Entrypoint = []string{opts.Entrypoint}
	imgCfg.Cmd = opts.Cmd
	imgCfg.WorkingDir = "/" + destDir
	newImg, err = mutate.Config(newImg, imgCfg)
	if err != nil {
		return "", fmt.Errorf("failed to set image config: %w", err)
	}

	targetRef, err := name.ParseReference(opts.Target)
	if err != nil {
		return "", fmt.Errorf("failed to parse target image reference %q: %w", opts.Target, err)
	}

	log.Infof("Uploading Container Image to %s", opts.Target)
	if err := crane.Push(newImg, targetRef.String(), crane.WithAuth(auth), crane.WithContext(ctx)); err != nil {
		return "", fmt.Errorf("failed to push image %q: %w", opts.Target, err)
	}
	digest, err := newImg.Digest()
	if err != nil {
		return "", fmt.Errorf("failed to compute image digest: %w", err)
	}

	pushed := targetRef.Context().Digest(digest.String()).String()
	log.Infof("Image %s built and uploaded successfully.", pushed)
	return pushed, nil
}

// parsePlatform converts a platform string (e.g., "linux/amd64") into a v1.Platform struct.
func parsePlatform(platformStr string) (v1.Platform, error) {
	parts := strings.Split(platformStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return v1.Platform{}, fmt.Errorf("invalid platform format: %q, expected \"os/arch\"", platformStr)
	}
	return v1.Platform{
		OS:           parts[0],
		Architecture: parts[1],
	}, nil
}

// ReadDockerignorePatterns combines defaultPatterns with dir/.dockerignore, if present.
func ReadDockerignorePatterns(dir string, defaultPatterns []string) (*patternmatcher.PatternMatcher, error) {
	dockerignorePath := filepath.Join(dir, ".dockerignore")

	patterns := make([]string, len(defaultPatterns))
	copy(patterns, defaultPatterns)

	if _, err := os.Stat(dockerignorePath); err == nil {
		file, err := os.Open(dockerignorePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open .dockerignore file %q: %w", dockerignorePath, err)
		}
		defer file.Close()

		filePatterns, err := ignorefile.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read .dockerignore file %q: %w", dockerignorePath, err)
		}
		patterns = append(patterns, filePatterns...)
		logrus.Infof("Found %d patterns in .dockerignore at %q", len(filePatterns), dockerignorePath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat .dockerignore file %q: %w", dockerignorePath, err)
	}

	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern matcher: %w", err)
	}
	return matcher, nil
}

// ignored reports whether relPath is excluded by the matcher. Directories get a
// trailing slash so that "foo/" patterns match them.
func ignored(matcher *patternmatcher.PatternMatcher, relPath string, isDir bool) (bool, error) {
	relPathSlash := filepath.ToSlash(relPath)
	if isDir && !strings.HasSuffix(relPathSlash, "/") {
		relPathSlash += "/"
	}
	return matcher.MatchesOrParentMatches(relPathSlash)
}

// processTarEntry writes one walked path below destDir in the archive.
func processTarEntry(tarWriter *tar.Writer, sourceDir, destDir string, ignoreMatcher *patternmatcher.PatternMatcher, p string, info fs.FileInfo, errFromWalk error) error {
	if errFromWalk != nil {
		return errFromWalk
	}

	relPath, err := filepath.Rel(sourceDir, p)
	if err != nil {
		return fmt.Errorf("failed to get relative path for %q: %w", p, err)
	}
	if relPath == "." {
		return nil
	}

	skip, err := ignored(ignoreMatcher, relPath, info.IsDir())
	if err != nil {
		return fmt.Errorf("failed to check ignore patterns for %q: %w", p, err)
	}
	if skip {
		if info.IsDir() {
			logrus.Debugf("Ignoring directory %q", relPath)
			return filepath.SkipDir
		}
		logrus.Debugf("Ignoring file %q", relPath)
		return nil
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %q: %w", p, err)
	}
	header.Name = path.Join(destDir, filepath.ToSlash(relPath))
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tarWriter.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %q: %w", p, err)
	}

	if info.Mode().IsRegular() {
		file, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open file %q: %w", p, err)
		}
		defer file.Close()

		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("failed to write file content for %q: %w", p, err)
		}
	}
	return nil
}

// writeDirHeaders adds the parent directories of destDir so the layer unpacks
// cleanly on an empty base.
func writeDirHeaders(tarWriter *tar.Writer, destDir string) error {
	if destDir == "" || destDir == "." {
		return nil
	}
	var dir string
	for _, part := range strings.Split(destDir, "/") {
		dir = path.Join(dir, part)
		hdr := &tar.Header{Typeflag: tar.TypeDir, Name: dir + "/", Mode: 0o755, ModTime: time.Unix(0, 0)}
		if err := tarWriter.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write tar header for %q: %w", dir, err)
		}
	}
	return nil
}

func createFilteredTar(sourceDir, destDir string, ignoreMatcher *patternmatcher.PatternMatcher) (tarPath string, err error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return "", fmt.Errorf("failed to stat build context %q: %w", sourceDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("build context %q is not a directory", sourceDir)
	}

	tmpFile, err := os.CreateTemp("", "shardrun-build-context-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file for tarball: %w", err)
	}
	defer tmpFile.Close()

	gzipWriter := gzip.NewWriter(tmpFile)
	tarWriter := tar.NewWriter(gzipWriter)

	logrus.Infof("Creating filtered tar from %s to temporary file %s", sourceDir, tmpFile.Name())

	defer func() {
		if closeErr := tarWriter.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close tar writer: %w", closeErr)
		}
		if closeErr := gzipWriter.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close gzip writer: %w", closeErr)
		}
		if err != nil {
			os.Remove(tmpFile.Name())
			tarPath = ""
		}
	}()

	if err := writeDirHeaders(tarWriter, destDir); err != nil {
		return "", err
	}
	err = filepath.Walk(sourceDir, func(p string, info fs.FileInfo, walkErr error) error {
		return processTarEntry(tarWriter, sourceDir, destDir, ignoreMatcher, p, info, walkErr)
	})
	if err != nil {
		return "", err
	}
	return tmpFile.Name(), nil
}
