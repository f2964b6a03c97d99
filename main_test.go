package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTree = `
-- /etc/hostname --
box
-- /usr/share/doc/README mode=0100444 --
read me
-- /usr/bin/sh symlink=busybox --
`

// setupEnv isolates the test from the user's configuration.
func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("EXT2CAT_CONFIG_FILE", "")
	for _, k := range []string{"LOG_LEVEL", "LOG_FORMAT", "WORKERS", "MAX_IMAGE_SIZE", "OUTPUT"} {
		t.Setenv("EXT2CAT_"+k, "")
		os.Unsetenv("EXT2CAT_" + k)
	}
}

func runArgs(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append([]string{appName}, args...), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

// buildImage runs mkfs on testTree and returns the image path.
func buildImage(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "tree.txtar")
	require.NoError(t, os.WriteFile(src, []byte(testTree), 0o644))

	out := filepath.Join(dir, name)
	_, _, err := runArgs(t, "mkfs", "--block-size", "2048", "--volume-name", "box",
		"--uuid", "0b7a8a0e-4c1e-4f7b-9d55-3a2f6c1d9e01", src, out)
	require.NoError(t, err)
	return out
}

func TestRunCommands(t *testing.T) {
	setupEnv(t)

	for _, name := range []string{"disk.img", "disk.img.zst", "disk.img.gz"} {
		t.Run(name, func(t *testing.T) {
			img := buildImage(t, name)

			stdout, _, err := runArgs(t, "ls", img)
			require.NoError(t, err)
			assert.Equal(t, "etc/\nusr/\n", stdout)

			stdout, _, err = runArgs(t, "ls", "-l", img, "/usr/bin")
			require.NoError(t, err)
			assert.Contains(t, stdout, "sh -> busybox")

			stdout, _, err = runArgs(t, "cat", img, "/etc/hostname")
			require.NoError(t, err)
			assert.Equal(t, "box\n", stdout)

			stdout, _, err = runArgs(t, "stat", "-o", "yaml", img, "/usr/share/doc/README")
			require.NoError(t, err)
			assert.Contains(t, stdout, "-r--r--r--")
			assert.Contains(t, stdout, "name: README")

			stdout, _, err = runArgs(t, "info", img)
			require.NoError(t, err)
			assert.Contains(t, stdout, "Filesystem type: ext2")
			assert.Contains(t, stdout, "UUID:            0b7a8a0e-4c1e-4f7b-9d55-3a2f6c1d9e01")

			stdout, _, err = runArgs(t, "resolve", "-j", "2", img, "/", "/etc/hostname")
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(stdout, "/\t2\n/etc/hostname\t"), stdout)

			stdout, _, err = runArgs(t, "digest", img, "/etc/hostname")
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(stdout, "sha256:"), stdout)
		})
	}
}

func TestRunErrors(t *testing.T) {
	setupEnv(t)
	img := buildImage(t, "disk.img")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "missing image", args: []string{"ls"}, want: "missing image"},
		{name: "cat without path", args: []string{"cat", img}, want: "path argument"},
		{name: "cat directory", args: []string{"cat", img, "/etc"}, want: "is a directory"},
		{name: "resolve missing", args: []string{"resolve", img, "/nope"}, want: "unresolved"},
		{name: "bad output", args: []string{"info", "-o", "xml", img}, want: "unknown output format"},
		{name: "bad log level", args: []string{"--log-level", "loud", "ls", img}, want: "logLevel"},
		{name: "not an image", args: []string{"ls", filepath.Join(filepath.Dir(img), "missing")}, want: "opening image"},
		{name: "mkfs args", args: []string{"mkfs", "only-one"}, want: "TXTAR and OUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runArgs(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRunDebugLogging(t *testing.T) {
	setupEnv(t)
	img := buildImage(t, "disk.img")

	_, stderr, err := runArgs(t, "--log-level", "debug", "--log-format", "json", "ls", img)
	require.NoError(t, err)
	assert.Contains(t, stderr, `"msg":"image loaded"`)
}
