package update

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/ralt/pkgupdate/internal/downloader"
	"github.com/ralt/pkgupdate/internal/packages"
	"github.com/ralt/pkgupdate/internal/sources"
)

// Target is an installed application: a directory holding its package
// ledger and its list of update sources
type Target struct {
	Directory string

	// Name and Version identify the application. Catalogs declare which
	// names and versions they apply to.
	Name    string
	Version string

	// Platform is matched against the platform-regex of update files
	Platform string

	// TempDir receives downloads and scratch directories. The system temp
	// directory is used when empty.
	TempDir string

	Packages  *packages.Info
	Sources   *sources.Info
	Downloads *downloader.Factory
}

// OpenTarget reads the ledger and source list found in dir. The target name
// and version default to those recorded in the ledger.
func OpenTarget(dir string) (*Target, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	pkgs, err := packages.Open(filepath.Join(abs, packages.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read package ledger: %w", err)
	}
	srcs, err := sources.Open(filepath.Join(abs, sources.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read update sources: %w", err)
	}

	return &Target{
		Directory: abs,
		Name:      pkgs.TargetName(),
		Version:   pkgs.TargetVersion(),
		Platform:  DefaultPlatform(),
		Packages:  pkgs,
		Sources:   srcs,
		Downloads: downloader.DefaultFactory(),
	}, nil
}

// TempRoot returns the directory temporary files go to
func (t *Target) TempRoot() string {
	if t.TempDir != "" {
		return t.TempDir
	}
	return os.TempDir()
}

// Factory returns the downloader factory, writing into the temp root
func (t *Target) Factory() *downloader.Factory {
	if t.Downloads == nil {
		t.Downloads = downloader.DefaultFactory()
	}
	t.Downloads.SetDownloadDir(t.TempRoot())
	return t.Downloads
}

// Close flushes the ledger and the source list if they changed
func (t *Target) Close() error {
	var result *multierror.Error
	if t.Packages != nil {
		if err := t.Packages.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if t.Sources != nil {
		if err := t.Sources.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// DefaultPlatform returns the platform identifier of the running system
func DefaultPlatform() string {
	switch runtime.GOOS {
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	case "darwin":
		return "MacOSX"
	case "freebsd":
		return "FreeBSD"
	default:
		return runtime.GOOS
	}
}
