// Package strategy decides whether an upgrade run needs no action, a patch,
// or a full reinstall, given the current version, the fetched manifest, and
// the host architecture.
package strategy

import (
	"fmt"

	"github.com/nuwax-ai/nuwa-upgrade/internal/architecture"
	"github.com/nuwax-ai/nuwa-upgrade/internal/manifest"
	"github.com/nuwax-ai/nuwa-upgrade/internal/version"
)

// DownloadType names the artifact shape a strategy will fetch.
type DownloadType int

const (
	DownloadFull DownloadType = iota
	DownloadPatch
)

func (d DownloadType) String() string {
	if d == DownloadFull {
		return "full"
	}
	return "patch"
}

// Kind discriminates the three possible strategies.
type Kind int

const (
	KindNoUpgrade Kind = iota
	KindFullUpgrade
	KindPatchUpgrade
)

func (k Kind) String() string {
	switch k {
	case KindFullUpgrade:
		return "full_upgrade"
	case KindPatchUpgrade:
		return "patch_upgrade"
	default:
		return "no_upgrade"
	}
}

// Strategy is the decided course of action for one upgrade run.
type Strategy struct {
	Kind             Kind
	TargetVersion    version.Version
	DownloadType     DownloadType
	FullURL          string
	FullHash         string
	FullSignature    string
	PatchInfo        *manifest.PatchPackageInfo
}

// ChangedFiles returns the paths this strategy will touch: the canonical
// preserved top-level set for a full upgrade, the patch's replace+delete
// paths for a patch upgrade, or empty for no-op.
func (s Strategy) ChangedFiles() []string {
	switch s.Kind {
	case KindFullUpgrade:
		return []string{"data", "upload"}
	case KindPatchUpgrade:
		if s.PatchInfo != nil {
			return s.PatchInfo.ChangedFiles()
		}
		return nil
	default:
		return nil
	}
}

// Manager decides the upgrade strategy for one run.
type Manager struct {
	Manifest        *manifest.EnhancedServiceManifest
	CurrentVersion  version.Version
	ForceFull       bool
	Architecture    architecture.Architecture
	// ComposeDirExists reports whether the compose working directory is
	// present; its absence forces a full upgrade (first deployment).
	ComposeDirExists bool
}

// NewManager constructs a Manager, detecting the host architecture.
func NewManager(m *manifest.EnhancedServiceManifest, current version.Version, forceFull, composeDirExists bool) *Manager {
	return &Manager{
		Manifest:         m,
		CurrentVersion:   current,
		ForceFull:        forceFull,
		Architecture:     architecture.Detect(),
		ComposeDirExists: composeDirExists,
	}
}

// DetermineStrategy runs the decision order from manifest comparison down
// to architecture-specific package selection.
func (mgr *Manager) DetermineStrategy() (Strategy, error) {
	target := mgr.Manifest.Version

	if mgr.ForceFull || !mgr.ComposeDirExists {
		return mgr.selectFullUpgradeStrategy(target)
	}

	comparison := mgr.CurrentVersion.CompareDetailed(target)

	switch comparison {
	case version.Equal, version.Newer:
		return Strategy{Kind: KindNoUpgrade, TargetVersion: target}, nil
	case version.PatchUpgradeable:
		if mgr.Manifest.HasPatchForArchitecture(mgr.Architecture.String()) {
			return mgr.selectPatchUpgradeStrategy(target)
		}
		return mgr.selectFullUpgradeStrategy(target)
	case version.FullUpgradeRequired:
		return mgr.selectFullUpgradeStrategy(target)
	default:
		return Strategy{}, fmt.Errorf("unrecognized version comparison result")
	}
}

func (mgr *Manager) selectFullUpgradeStrategy(target version.Version) (Strategy, error) {
	if platform := mgr.Manifest.PlatformPackage(mgr.Architecture.String()); platform != nil {
		return Strategy{
			Kind:          KindFullUpgrade,
			TargetVersion: target,
			DownloadType:  DownloadFull,
			FullURL:       platform.URL,
			FullSignature: platform.Signature,
		}, nil
	}

	if mgr.Manifest.Packages != nil && mgr.Manifest.Packages.Full != nil {
		full := mgr.Manifest.Packages.Full
		return Strategy{
			Kind:          KindFullUpgrade,
			TargetVersion: target,
			DownloadType:  DownloadFull,
			FullURL:       full.URL,
			FullHash:      full.Hash,
			FullSignature: full.Signature,
		}, nil
	}

	return Strategy{}, fmt.Errorf("no full upgrade package found for architecture %s", mgr.Architecture)
}

func (mgr *Manager) selectPatchUpgradeStrategy(target version.Version) (Strategy, error) {
	patch := mgr.Manifest.PatchPackage(mgr.Architecture.String())
	if patch == nil {
		return Strategy{}, fmt.Errorf("no patch package found for architecture %s", mgr.Architecture)
	}
	if patch.Operations.TotalOperations() == 0 {
		return Strategy{}, fmt.Errorf("patch package for %s has no operations", mgr.Architecture)
	}
	return Strategy{
		Kind:          KindPatchUpgrade,
		TargetVersion: target,
		DownloadType:  DownloadPatch,
		PatchInfo:     patch,
	}, nil
}
