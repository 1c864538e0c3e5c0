package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsObjectStorageOrCDNURL(t *testing.T) {
	cases := map[string]bool{
		"https://bucket.oss-cn-hangzhou.aliyuncs.com/file.zip": true,
		"https://example.cos.ap-guangzhou.myqcloud.com/f.zip":  true,
		"https://cdn.jsdelivr.net/npm/pkg":                     true,
		"https://my-internal-server.example.com/file.zip":      false,
	}
	for u, want := range cases {
		assert.Equal(t, want, IsObjectStorageOrCDNURL(u), u)
	}
}

func TestGetDownloaderTypeUsesExtendedTimeoutForObjectStorage(t *testing.T) {
	assert.Equal(t, TypeHTTPExtendedTimeout, GetDownloaderType("https://bucket.s3.amazonaws.com/f.zip"))
	assert.Equal(t, TypeHTTP, GetDownloaderType("https://example.com/f.zip"))
}

func TestCalculateFileHashMatchesSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	content := []byte("hello world")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])

	got, err := CalculateFileHash(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestVerifyFileIntegrity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	content := []byte("payload")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	ok, err := VerifyFileIntegrity(path, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyFileIntegrity(path, "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDownloadFreshFile(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	d := New(DefaultConfig())
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	err := d.Download(context.Background(), srv.URL, target, Options{
		ExpectedHash: hash,
		ExpectedSize: int64(len(content)),
		Version:      "0.0.13.0",
	})
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = os.Stat(metadataPath(target))
	assert.True(t, os.IsNotExist(err), "metadata sidecar should be cleaned up on success")
}

func TestDownloadResumesFromPartialFile(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Write(content)
			return
		}
		start := parseRangeStart(rangeHeader)
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	cfg := DefaultConfig()
	cfg.ResumeThresholdBytes = 1

	partial := content[:10]
	require.NoError(t, os.WriteFile(target, partial, 0o644))
	require.NoError(t, saveMetadata(target, &Metadata{
		URL:             srv.URL,
		ExpectedSize:    int64(len(content)),
		DownloadedBytes: int64(len(partial)),
		Version:         "0.0.13.0",
	}))

	d := New(cfg)
	err := d.Download(context.Background(), srv.URL, target, Options{
		ExpectedSize: int64(len(content)),
		Version:      "0.0.13.0",
	})
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

// parseRangeStart extracts N from a "bytes=N-" Range header value.
func parseRangeStart(rangeHeader string) int {
	var n int
	for _, c := range rangeHeader {
		if c >= '0' && c <= '9' {
			n = n*10 + int(c-'0')
		} else if n > 0 {
			break
		}
	}
	return n
}
