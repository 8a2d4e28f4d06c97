package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ralt/pkgupdate/internal/archive"
	"github.com/ralt/pkgupdate/internal/catalog"
	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// catalogEntry holds the flags of catalog add
type catalogEntry struct {
	Name                string
	Version             string
	ReleaseDate         string
	Title               string
	Description         string
	Dependencies        []string
	PlatformRegexes     []string
	Arch                string
	CompatLevel         int
	RequiredCompatLevel int
	TargetName          string
	TargetVersion       string
}

// NewCatalogCmd creates the catalog command
func NewCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Publish updates in an " + catalog.FileName + " catalog",
	}
	cmd.AddCommand(newCatalogAddCmd())
	return cmd
}

func newCatalogAddCmd() *cobra.Command {
	var entry catalogEntry

	cmd := &cobra.Command{
		Use:   "add CATALOG PAYLOAD...",
		Short: "Add an update to a catalog",
		Long: `Adds a package update, or a compat update when --compat-level is set,
to the catalog at CATALOG, creating it if needed. Every PAYLOAD becomes
one UpdateFile of the entry; directories are scanned for payload
archives. SHA-1 digests and sizes are computed, and payloads outside the
catalog directory are copied next to it. A CATALOG ending in .gz is
written gzip compressed.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateCatalogEntry(&entry); err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logrus.Infof("Adding %s to %s", entry.describe(), args[0])
			return addToCatalog(cmd.Context(), args[0], args[1:], &entry, cfg.TempDir)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&entry.Name, "name", "", "Package name")
	flags.StringVar(&entry.Version, "version", "", "Package version")
	flags.StringVar(&entry.ReleaseDate, "release-date", "", "Release date as YYYY-MM-DD (defaults to today)")
	flags.StringVar(&entry.Title, "title", "", "Package title")
	flags.StringVar(&entry.Description, "description", "", "Update description")
	flags.StringSliceVar(&entry.Dependencies, "dependencies", nil, "Packages this package depends on")
	flags.StringSliceVar(&entry.PlatformRegexes, "platform-regex", []string{".*"}, "Platform regex of each payload, in order; the last one applies to the remaining payloads")
	flags.StringVar(&entry.Arch, "arch", "", "Architecture of the payloads")
	flags.IntVar(&entry.CompatLevel, "compat-level", -1, "Publish a compat update to this level instead of a package update")
	flags.IntVar(&entry.RequiredCompatLevel, "required-compat-level", -1, "Compat level the package update requires")
	flags.StringVar(&entry.TargetName, "catalog-target-name", "{AnyTarget}", "Target names a new catalog applies to")
	flags.StringVar(&entry.TargetVersion, "catalog-target-version", "{AnyApplication}", "Target versions a new catalog applies to")

	return cmd
}

func (e *catalogEntry) isCompat() bool {
	return e.CompatLevel >= 0
}

func (e *catalogEntry) describe() string {
	if e.isCompat() {
		return fmt.Sprintf("compat update to level %d", e.CompatLevel)
	}
	return fmt.Sprintf("%s %s", e.Name, e.Version)
}

func validateCatalogEntry(e *catalogEntry) error {
	if !e.isCompat() {
		if e.Name == "" {
			return models.NewUpdateError(models.ErrInvalidConfig, "name", "name is required for a package update")
		}
		if e.Version == "" {
			return models.NewUpdateError(models.ErrInvalidConfig, "version", "version is required for a package update")
		}
	}

	// Set ReleaseDate to today if not specified
	if e.ReleaseDate == "" {
		e.ReleaseDate = models.FormatDate(models.Today())
	}
	date, err := models.ParseDate(e.ReleaseDate)
	if err != nil {
		return models.NewUpdateError(models.ErrInvalidConfig, "release-date", "invalid date %q", e.ReleaseDate)
	}
	e.ReleaseDate = models.FormatDate(date)

	if len(e.PlatformRegexes) == 0 {
		e.PlatformRegexes = []string{".*"}
	}
	return nil
}

func (e *catalogEntry) info() models.UpdateInfo {
	if e.isCompat() {
		info := models.UpdateInfo{
			Kind: models.CompatUpdate,
			Data: map[string]string{
				"CompatLevel": strconv.Itoa(e.CompatLevel),
				"ReleaseDate": e.ReleaseDate,
			},
		}
		if e.Description != "" {
			info.Data["Description"] = e.Description
		}
		return info
	}

	info := models.UpdateInfo{
		Kind: models.PackageUpdate,
		Data: map[string]string{
			"Name":        e.Name,
			"Version":     e.Version,
			"ReleaseDate": e.ReleaseDate,
		},
	}
	for key, value := range map[string]string{
		"Title":        e.Title,
		"Description":  e.Description,
		"Dependencies": strings.Join(e.Dependencies, ","),
	} {
		if value != "" {
			info.Data[key] = value
		}
	}
	if e.RequiredCompatLevel >= 0 {
		info.Data["RequiredCompatLevel"] = strconv.Itoa(e.RequiredCompatLevel)
	}
	return info
}

func (e *catalogEntry) platformRegex(i int) string {
	if i < len(e.PlatformRegexes) {
		return e.PlatformRegexes[i]
	}
	return e.PlatformRegexes[len(e.PlatformRegexes)-1]
}

func addToCatalog(ctx context.Context, catalogPath string, inputs []string, e *catalogEntry, tempDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Step 1: Collect payloads
	payloads, err := collectPayloads(ctx, inputs)
	if err != nil {
		return err
	}
	if len(payloads) == 0 {
		return models.NewUpdateError(models.ErrInvalidConfig, strings.Join(inputs, ", "), "no payload found")
	}
	logrus.Infof("Found %d payload(s)", len(payloads))

	// Step 2: Load or create the catalog
	cat, err := openCatalog(catalogPath, e)
	if err != nil {
		return err
	}

	// Step 3: Describe every payload
	catalogDir := filepath.Dir(catalogPath)
	info := e.info()
	for i, p := range payloads {
		fileName, err := publishPayload(catalogDir, p.Path)
		if err != nil {
			return err
		}

		file, err := catalog.NewFileInfo(p.Path, fileName, e.platformRegex(i), e.Arch)
		if err != nil {
			return err
		}
		size, err := archive.UncompressedSize(ctx, p.Path, tempDir)
		if err != nil {
			return &models.UpdateError{
				Type:    models.ErrFileOp,
				Subject: p.Path,
				Err:     fmt.Errorf("failed to unpack payload: %w", err),
			}
		}
		file.UncompressedSize = size

		logrus.Debugf("Payload %s: %s, %d bytes, %d unpacked", fileName, p.Type, file.CompressedSize, size)
		info.Files = append(info.Files, file)
	}

	// Step 4: Write the catalog
	if err := cat.AddUpdate(info); err != nil {
		return models.NewUpdateError(models.ErrInvalidContent, catalogPath, "%v", err)
	}
	if err := cat.WriteFile(catalogPath); err != nil {
		return &models.UpdateError{
			Type:    models.ErrFileOp,
			Subject: catalogPath,
			Err:     err,
		}
	}

	logrus.Infof("Catalog %s now holds %d update(s)", catalogPath, len(cat.Updates()))
	return nil
}

// collectPayloads expands directories into the archives they contain
func collectPayloads(ctx context.Context, inputs []string) ([]archive.Payload, error) {
	var out []archive.Payload
	for _, in := range inputs {
		st, err := os.Stat(in)
		if err != nil {
			return nil, &models.UpdateError{Type: models.ErrFileOp, Subject: in, Err: err}
		}

		if st.IsDir() {
			found, err := archive.Scan(ctx, in)
			if err != nil {
				return nil, &models.UpdateError{
					Type:    models.ErrFileOp,
					Subject: in,
					Err:     fmt.Errorf("failed to scan directory: %w", err),
				}
			}
			out = append(out, found...)
			continue
		}

		t, err := archive.DetectType(in)
		if err != nil {
			return nil, &models.UpdateError{Type: models.ErrFileOp, Subject: in, Err: err}
		}
		if t == archive.TypeUnknown {
			return nil, models.NewUpdateError(models.ErrInvalidConfig, in, "not a supported archive")
		}
		out = append(out, archive.Payload{Path: in, Type: t, Size: st.Size()})
	}
	return out, nil
}

func openCatalog(path string, e *catalogEntry) (*catalog.Catalog, error) {
	if !utils.Exists(path) {
		logrus.Debugf("Creating catalog %s", path)
		return catalog.New(e.TargetName, e.TargetVersion), nil
	}
	cat, err := catalog.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return cat, nil
}

// publishPayload returns the name of a payload relative to the catalog
// directory, copying it there when it lives elsewhere
func publishPayload(catalogDir, payload string) (string, error) {
	absDir, err := filepath.Abs(catalogDir)
	if err != nil {
		return "", err
	}
	absPayload, err := filepath.Abs(payload)
	if err != nil {
		return "", err
	}

	if utils.IsWithin(absDir, absPayload) {
		rel, err := filepath.Rel(absDir, absPayload)
		if err != nil {
			return "", err
		}
		return filepath.ToSlash(rel), nil
	}

	name := filepath.Base(absPayload)
	dest := filepath.Join(absDir, name)
	logrus.Infof("Copying %s to %s", payload, dest)
	if err := utils.CopyFile(absPayload, dest); err != nil {
		return "", &models.UpdateError{
			Type:    models.ErrFileOp,
			Subject: payload,
			Err:     fmt.Errorf("failed to copy payload: %w", err),
		}
	}
	return name, nil
}
