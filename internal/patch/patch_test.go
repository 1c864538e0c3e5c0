package patch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwax-ai/nuwa-upgrade/internal/download"
	"github.com/nuwax-ai/nuwa-upgrade/internal/manifest"
)

// buildPatchArchive creates a gzip tar archive containing the given
// relative-path -> content entries.
func buildPatchArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		hdr := &tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestApplyPatchReplacesAndDeletesFiles(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "app.jar"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "stale.txt"), []byte("remove me"), 0o644))

	archiveBytes := buildPatchArchive(t, map[string]string{
		"app.jar": "new content",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write(archiveBytes)
	}))
	defer srv.Close()

	dl := download.New(download.DefaultConfig())
	exec, err := NewExecutor(workDir, dl, nil)
	require.NoError(t, err)

	ops := manifest.PatchOperations{
		Replace: &manifest.FileOperations{Files: []string{"app.jar"}},
		Delete:  &manifest.FileOperations{Files: []string{"stale.txt"}},
	}
	info := &manifest.PatchPackageInfo{URL: srv.URL, Operations: ops}

	var lastProgress float64
	err = exec.ApplyPatch(context.Background(), info, func(f float64) { lastProgress = f })
	require.NoError(t, err)
	assert.Equal(t, 1.0, lastProgress)

	content, err := os.ReadFile(filepath.Join(workDir, "app.jar"))
	require.NoError(t, err)
	assert.Equal(t, "new content", string(content))

	_, err = os.Stat(filepath.Join(workDir, "stale.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyPatchRollsBackOnMissingRequiredFile(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "app.jar"), []byte("old"), 0o644))

	// Archive is missing the required "app.jar" entry the operations demand.
	archiveBytes := buildPatchArchive(t, map[string]string{
		"other.txt": "irrelevant",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write(archiveBytes)
	}))
	defer srv.Close()

	dl := download.New(download.DefaultConfig())
	exec, err := NewExecutor(workDir, dl, nil)
	require.NoError(t, err)
	require.NoError(t, exec.EnableBackup())
	defer exec.Cleanup()

	ops := manifest.PatchOperations{
		Replace: &manifest.FileOperations{Files: []string{"app.jar"}},
	}
	info := &manifest.PatchPackageInfo{URL: srv.URL, Operations: ops}

	err = exec.ApplyPatch(context.Background(), info, nil)
	require.Error(t, err)

	content, err := os.ReadFile(filepath.Join(workDir, "app.jar"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(content), "work dir must be untouched since structure validation failed before any operation ran")
}

func TestApplyPatchRejectsEmptyOperations(t *testing.T) {
	workDir := t.TempDir()
	dl := download.New(download.DefaultConfig())
	exec, err := NewExecutor(workDir, dl, nil)
	require.NoError(t, err)

	info := &manifest.PatchPackageInfo{URL: "https://example.com/patch.tar.gz", Operations: manifest.PatchOperations{}}
	err = exec.ApplyPatch(context.Background(), info, nil)
	assert.Error(t, err)
}

func TestOperationSummaryDescribesCounts(t *testing.T) {
	ops := manifest.PatchOperations{
		Replace: &manifest.FileOperations{Files: []string{"a", "b"}, Directories: []string{"d"}},
		Delete:  &manifest.FileOperations{Files: []string{"c"}},
	}
	summary := OperationSummary(ops)
	assert.Contains(t, summary, "total operations: 4")
	assert.Contains(t, summary, "replace files: 2")
	assert.Contains(t, summary, "replace directories: 1")
	assert.Contains(t, summary, "delete files: 1")
}

func TestTempDirPopulatedDuringApplyPatch(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "app.jar"), []byte("old"), 0o644))

	archiveBytes := buildPatchArchive(t, map[string]string{"app.jar": "new"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write(archiveBytes)
	}))
	defer srv.Close()

	dl := download.New(download.DefaultConfig())
	exec, err := NewExecutor(workDir, dl, nil)
	require.NoError(t, err)
	assert.Empty(t, exec.TempDir())

	ops := manifest.PatchOperations{Replace: &manifest.FileOperations{Files: []string{"app.jar"}}}
	info := &manifest.PatchPackageInfo{URL: srv.URL, Operations: ops}
	require.NoError(t, exec.ApplyPatch(context.Background(), info, nil))

	assert.NotEmpty(t, exec.TempDir())
}
