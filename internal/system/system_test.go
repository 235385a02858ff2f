package system

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchpost/internal/camera"
)

func TestHostOS(t *testing.T) {
	info := HostOS()
	assert.NotEmpty(t, info.Type)
	assert.NotEmpty(t, info.Machine)
	if runtime.GOOS == "linux" {
		assert.Equal(t, "Linux", info.Type)
		assert.NotEmpty(t, info.Release)
	}
}

func TestReporterListsCameras(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "video1"), nil, 0o644))

	r := NewReporter(dir, func(path string) bool { return path == filepath.Join(dir, "video1") })
	info := r.Info()

	assert.Equal(t, runtime.Version(), info.GoVersion)
	require.Len(t, info.Cameras, 1)
	assert.Equal(t, 1, info.Cameras[0].Index)
	assert.Equal(t, camera.StatusInUse, info.Cameras[0].Status)
}
