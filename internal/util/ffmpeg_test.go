package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executableFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func TestResolveFFmpegExplicitPath(t *testing.T) {
	path := executableFile(t)

	got, err := ResolveFFmpeg(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestResolveFFmpegExplicitPathNotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	_, err := ResolveFFmpeg(path)
	assert.Error(t, err)
}

func TestResolveFFmpegEnvOverride(t *testing.T) {
	path := executableFile(t)
	t.Setenv(ffmpegEnvVar, path)

	got, err := ResolveFFmpeg("ffmpeg")
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestResolveFFmpegIgnoresBadEnvOverride(t *testing.T) {
	t.Setenv(ffmpegEnvVar, filepath.Join(t.TempDir(), "missing"))

	// The override does not exist, so resolution falls through to the
	// PATH. "ls" stands in for ffmpeg here.
	got, err := ResolveFFmpeg("ls")
	require.NoError(t, err)
	assert.Contains(t, got, "ls")
}

func TestResolveFFmpegFromPath(t *testing.T) {
	got, err := ResolveFFmpeg("ls")
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestResolveFFmpegNotFound(t *testing.T) {
	_, err := ResolveFFmpeg("definitely-not-ffmpeg-12345")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestResolveFFmpegIgnoresDirectory(t *testing.T) {
	t.Setenv(ffmpegEnvVar, t.TempDir())

	got, err := ResolveFFmpeg("ls")
	require.NoError(t, err)
	assert.Contains(t, got, "ls")
}
