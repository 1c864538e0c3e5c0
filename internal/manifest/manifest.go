// Package manifest fetches and validates the enhanced service manifest that
// describes available upgrade packages.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nuwax-ai/nuwa-upgrade/internal/version"
)

// PackageInfo describes an architecture-agnostic full-upgrade artifact.
type PackageInfo struct {
	URL       string `json:"url" validate:"required,url"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	Size      int64  `json:"size"`
}

// PlatformPackage describes an architecture-pinned full-upgrade artifact.
// It carries no hash — see DESIGN.md Open Question 1.
type PlatformPackage struct {
	URL       string `json:"url" validate:"required,url"`
	Signature string `json:"signature"`
}

// FileOperations lists relative paths a patch replaces or deletes.
type FileOperations struct {
	Files       []string `json:"files"`
	Directories []string `json:"directories"`
}

// PatchOperations groups the replace and delete sides of a patch.
type PatchOperations struct {
	Replace *FileOperations `json:"replace,omitempty"`
	Delete  *FileOperations `json:"delete,omitempty"`
}

// TotalOperations sums the length of all four operation lists. A patch with
// zero total operations is invalid and must be rejected before any I/O.
func (o PatchOperations) TotalOperations() int {
	n := 0
	if o.Replace != nil {
		n += len(o.Replace.Files) + len(o.Replace.Directories)
	}
	if o.Delete != nil {
		n += len(o.Delete.Files) + len(o.Delete.Directories)
	}
	return n
}

// PatchPackageInfo describes an architecture-pinned patch artifact.
type PatchPackageInfo struct {
	URL        string          `json:"url" validate:"required,url"`
	Hash       string          `json:"hash,omitempty"`
	Signature  string          `json:"signature,omitempty"`
	Operations PatchOperations `json:"operations" validate:"required"`
}

// ChangedFiles returns every path this patch replaces or deletes, as listed
// in its operations.
func (p PatchPackageInfo) ChangedFiles() []string {
	var out []string
	if p.Operations.Replace != nil {
		out = append(out, p.Operations.Replace.Files...)
		out = append(out, p.Operations.Replace.Directories...)
	}
	if p.Operations.Delete != nil {
		out = append(out, p.Operations.Delete.Files...)
		out = append(out, p.Operations.Delete.Directories...)
	}
	return out
}

// Packages groups architecture-agnostic full-upgrade package info.
type Packages struct {
	Full *PackageInfo `json:"full,omitempty"`
}

// Platforms groups architecture-pinned full-upgrade package info.
type Platforms struct {
	X86_64  *PlatformPackage `json:"x86_64,omitempty"`
	Aarch64 *PlatformPackage `json:"aarch64,omitempty"`
}

// Patches groups architecture-pinned patch package info.
type Patches struct {
	X86_64  *PatchPackageInfo `json:"x86_64,omitempty"`
	Aarch64 *PatchPackageInfo `json:"aarch64,omitempty"`
}

// EnhancedServiceManifest is the upgrade catalog fetched from the manifest
// endpoint.
type EnhancedServiceManifest struct {
	Version     version.Version `json:"-"`
	VersionRaw  string          `json:"version" validate:"required"`
	ReleaseDate string          `json:"release_date"`
	ReleaseNotes string         `json:"release_notes"`
	Packages    *Packages       `json:"packages,omitempty"`
	Platforms   *Platforms      `json:"platforms,omitempty"`
	Patch       *Patches        `json:"patch,omitempty"`
}

// legacyServiceManifest is the pre-platforms manifest shape. It upcasts to
// EnhancedServiceManifest with Platforms=nil, Patch=nil, and a ".0" build
// suffix appended to its version.
type legacyServiceManifest struct {
	Version      string `json:"version"`
	ReleaseDate  string `json:"release_date"`
	ReleaseNotes string `json:"release_notes"`
	Packages     *Packages `json:"packages,omitempty"`
}

// PlatformPackage returns the architecture-pinned full-upgrade package for
// arch, if the manifest carries one.
func (m *EnhancedServiceManifest) PlatformPackage(arch string) *PlatformPackage {
	if m.Platforms == nil {
		return nil
	}
	switch arch {
	case "x86_64":
		return m.Platforms.X86_64
	case "aarch64":
		return m.Platforms.Aarch64
	default:
		return nil
	}
}

// PatchPackage returns the architecture-pinned patch for arch, if present.
func (m *EnhancedServiceManifest) PatchPackage(arch string) *PatchPackageInfo {
	if m.Patch == nil {
		return nil
	}
	switch arch {
	case "x86_64":
		return m.Patch.X86_64
	case "aarch64":
		return m.Patch.Aarch64
	default:
		return nil
	}
}

// HasPatchForArchitecture reports whether a usable patch entry exists for
// arch (present and carrying at least one operation).
func (m *EnhancedServiceManifest) HasPatchForArchitecture(arch string) bool {
	p := m.PatchPackage(arch)
	return p != nil && p.Operations.TotalOperations() > 0
}

// Validate checks structural invariants beyond field-level validator tags:
// the version string must parse and be within range.
func (m *EnhancedServiceManifest) Validate() error {
	v, err := version.Parse(m.VersionRaw)
	if err != nil {
		return fmt.Errorf("manifest version invalid: %w", err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("manifest version out of range: %w", err)
	}
	m.Version = v

	validate := validator.New()
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("manifest failed validation: %w", err)
	}
	return nil
}

// Fetcher retrieves and validates the enhanced service manifest.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a Fetcher with the given request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch issues an HTTP GET against url and decodes the response, detecting
// legacy vs. enhanced manifest shape by probing for a top-level "platforms"
// key before committing to a concrete decode.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*EnhancedServiceManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building manifest request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading manifest response: %w", err)
	}

	manifest, err := Decode(body)
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Decode parses manifest JSON, detecting legacy vs. enhanced shape by
// probing for a top-level "platforms" key.
func Decode(body []byte) (*EnhancedServiceManifest, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("manifest is not valid JSON: %w", err)
	}

	if _, hasPlatforms := probe["platforms"]; hasPlatforms {
		var enhanced EnhancedServiceManifest
		if err := json.Unmarshal(body, &enhanced); err != nil {
			return nil, fmt.Errorf("decoding enhanced manifest: %w", err)
		}
		return &enhanced, nil
	}

	var legacy legacyServiceManifest
	if err := json.Unmarshal(body, &legacy); err != nil {
		return nil, fmt.Errorf("decoding legacy manifest: %w", err)
	}

	return &EnhancedServiceManifest{
		VersionRaw:   legacy.Version + ".0",
		ReleaseDate:  legacy.ReleaseDate,
		ReleaseNotes: legacy.ReleaseNotes,
		Packages:     legacy.Packages,
	}, nil
}
