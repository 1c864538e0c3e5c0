package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnhancedManifestParsesPlatformsAndPatch(t *testing.T) {
	body := []byte(`{
		"version": "1.2.3.0",
		"release_date": "2026-01-01",
		"release_notes": "fixes",
		"platforms": {
			"x86_64": {"url": "https://example.com/full-x86_64.zip", "signature": "c2ln"},
			"aarch64": {"url": "https://example.com/full-aarch64.zip", "signature": "c2ln"}
		},
		"patch": {
			"x86_64": {
				"url": "https://example.com/patch-x86_64.zip",
				"hash": "deadbeef",
				"operations": {"replace": {"files": ["app/server"]}}
			}
		}
	}`)

	m, err := Decode(body)
	require.NoError(t, err)
	require.NotNil(t, m.Platforms)
	require.NotNil(t, m.Platforms.X86_64)
	assert.Equal(t, "https://example.com/full-x86_64.zip", m.Platforms.X86_64.URL)
	assert.True(t, m.HasPatchForArchitecture("x86_64"))
	assert.False(t, m.HasPatchForArchitecture("aarch64"))
}

func TestDecodeLegacyManifestUpcastsWithZeroBuild(t *testing.T) {
	body := []byte(`{
		"version": "1.2.3",
		"release_date": "2025-06-01",
		"release_notes": "initial",
		"packages": {"full": {"url": "https://example.com/full.zip", "hash": "abc", "size": 10}}
	}`)

	m, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.0", m.VersionRaw)
	assert.Nil(t, m.Platforms)
	require.NotNil(t, m.Packages)
	assert.Equal(t, "https://example.com/full.zip", m.Packages.Full.URL)
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestValidateRejectsUnparsableVersion(t *testing.T) {
	m := &EnhancedServiceManifest{VersionRaw: "not-a-version"}
	assert.Error(t, m.Validate())
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	m := &EnhancedServiceManifest{
		VersionRaw: "1.0.0",
		Packages:   &Packages{Full: &PackageInfo{}},
	}
	assert.Error(t, m.Validate())
}

func TestValidateAcceptsWellFormedManifest(t *testing.T) {
	m := &EnhancedServiceManifest{
		VersionRaw: "1.0.0.0",
		Packages:   &Packages{Full: &PackageInfo{URL: "https://example.com/full.zip"}},
	}
	require.NoError(t, m.Validate())
	assert.Equal(t, uint32(1), m.Version.Major)
}

func TestPatchOperationsTotalOperationsCountsAllFourLists(t *testing.T) {
	ops := PatchOperations{
		Replace: &FileOperations{Files: []string{"a", "b"}, Directories: []string{"c"}},
		Delete:  &FileOperations{Files: []string{"d"}},
	}
	assert.Equal(t, 4, ops.TotalOperations())
}

func TestPatchPackageInfoChangedFilesUnionsReplaceAndDelete(t *testing.T) {
	p := PatchPackageInfo{
		Operations: PatchOperations{
			Replace: &FileOperations{Files: []string{"app/server"}, Directories: []string{"app/static"}},
			Delete:  &FileOperations{Files: []string{"app/old.bin"}},
		},
	}
	assert.ElementsMatch(t, []string{"app/server", "app/static", "app/old.bin"}, p.ChangedFiles())
}

func TestFetcherFetchValidatesAndReturnsManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version": "2.0.0.1", "packages": {"full": {"url": "https://example.com/f.zip"}}}`))
	}))
	defer srv.Close()

	f := NewFetcher(0)
	m, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), m.Version.Major)
	assert.Equal(t, uint32(1), m.Version.Build)
}

func TestFetcherFetchPropagatesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(0)
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestFetcherFetchRejectsInvalidManifestBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version": "not-a-version"}`))
	}))
	defer srv.Close()

	f := NewFetcher(0)
	_, err := f.Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}
