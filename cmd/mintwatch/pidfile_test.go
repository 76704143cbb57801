package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "mintwatch.pid")

	require.NoError(t, writePidfile(path))

	pid, err := readPidfile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	removePidfile(path)
	_, err = readPidfile(path)
	assert.Error(t, err)
}

func TestWritePidfileOverwritesStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mintwatch.pid")

	// A pid at the top of the default pid space is not a live process.
	require.NoError(t, os.WriteFile(path, []byte("4194303"), 0o644))

	require.NoError(t, writePidfile(path))
	pid, err := readPidfile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestWritePidfileRefusesLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mintwatch.pid")

	require.NoError(t, writePidfile(path))

	err := writePidfile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestReadPidfileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mintwatch.pid")
	require.NoError(t, os.WriteFile(path, []byte("banana"), 0o644))

	_, err := readPidfile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed pidfile")
}
