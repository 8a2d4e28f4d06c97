package finder

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/task"
	"github.com/ralt/pkgupdate/internal/update"
	"github.com/ralt/pkgupdate/internal/version"
	"github.com/sirupsen/logrus"
)

// Wildcards accepted in the TargetName and TargetVersion lists of a catalog
const (
	AnyTarget      = "{AnyTarget}"
	AnyApplication = "{AnyApplication}"
)

// candidate is a catalog entry selected for the target
type candidate struct {
	source models.UpdateSourceInfo
	info   models.UpdateInfo
}

// findCompatUpdate looks for the update moving the target to the next
// compat level. The lowest priority number wins, then the first seen.
func (f *Finder) findCompatUpdate(t *task.Task, catalogs []sourceCatalog) ([]*update.Update, error) {
	next := f.target.Packages.CompatLevel() + 1

	var best *candidate
	for i, sc := range catalogs {
		for _, info := range sc.catalog.UpdatesInfo(models.CompatUpdate, next) {
			if best == nil || sc.source.Priority < best.source.Priority {
				best = &candidate{source: sc.source, info: info}
			}
		}
		t.ReportProgress(50+(i+1)*50/len(catalogs), "Looking for compat updates")
	}
	if best == nil {
		logrus.Infof("No update to compat level %d", next)
		return nil, nil
	}

	file, ok := selectFile(best.info.Files, f.target.Platform)
	if !ok {
		text := fmt.Sprintf("No file of compat update %d matches platform %s", next, f.target.Platform)
		t.ReportError(ENoPlatformMatch, text)
		return nil, fmt.Errorf("%s", text)
	}

	u, err := update.New(f.target, best.source, best.info, file)
	if err != nil {
		t.ReportError(EUpdateFailed, err.Error())
		return nil, fmt.Errorf("failed to create compat update: %w", err)
	}
	return []*update.Update{u}, nil
}

// findPackageUpdates matches every package entry against the ledger
func (f *Finder) findPackageUpdates(ctx context.Context, t *task.Task, catalogs []sourceCatalog) ([]*update.Update, error) {
	ledger := f.target.Packages
	compat := ledger.CompatLevel()
	addNew := f.AddNewPackages()

	var order []string
	chosen := make(map[string]candidate)

	for i, sc := range catalogs {
		t.ReportProgress(50+i*40/len(catalogs), fmt.Sprintf("Reconciling %s", sc.source.Name))

		if !matchesTarget(sc.catalog.TargetName(), f.target.Name, sameName) ||
			!matchesTarget(sc.catalog.TargetVersion(), f.target.Version, sameVersion) {
			logrus.Debugf("Catalog of %s does not apply to %s %s", sc.source.Name, f.target.Name, f.target.Version)
			continue
		}

		for _, info := range sc.catalog.UpdatesInfo(models.PackageUpdate, -1) {
			if !f.applies(info, compat, addNew) {
				continue
			}

			cand := candidate{source: sc.source, info: info}
			name := info.Name()
			existing, seen := chosen[name]
			if !seen {
				order = append(order, name)
				chosen[name] = cand
				continue
			}
			if keepExisting(existing, cand) {
				continue
			}
			chosen[name] = cand
		}
	}

	var updates []*update.Update
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			closeAll(updates)
			return nil, err
		}

		cand := chosen[name]
		file, ok := selectFile(cand.info.Files, f.target.Platform)
		if !ok {
			logrus.Debugf("Skipping %s %s: no file for platform %s", name, cand.info.Version(), f.target.Platform)
			continue
		}
		u, err := update.New(f.target, cand.source, cand.info, file)
		if err != nil {
			logrus.Warnf("Skipping %s %s: %v", name, cand.info.Version(), err)
			t.ReportError(EUpdateFailed, err.Error())
			continue
		}
		updates = append(updates, u)
	}
	t.ReportProgress(99, "Reconciled catalogs")
	return updates, nil
}

// applies decides whether a package entry is an update for the ledger
func (f *Finder) applies(info models.UpdateInfo, compat int, addNew bool) bool {
	if compat >= 0 {
		if required, ok := info.RequiredCompatLevel(); ok && required != compat {
			return false
		}
	}

	idx := f.target.Packages.FindPackageInfo(info.Name())
	if idx < 0 {
		return addNew
	}

	installed := f.target.Packages.PackageInfo(idx)
	if !version.Greater(info.Version(), installed.Version) {
		return false
	}
	// An update released before the last recorded one was already applied
	if !installed.LastUpdateDate.IsZero() && installed.LastUpdateDate.After(info.ReleaseDate()) {
		logrus.Debugf("Skipping %s %s: last updated %s, released %s", info.Name(), info.Version(),
			models.FormatDate(installed.LastUpdateDate), models.FormatDate(info.ReleaseDate()))
		return false
	}
	return true
}

// keepExisting reports whether a previously chosen entry beats cand
func keepExisting(existing, cand candidate) bool {
	if existing.source.Priority != cand.source.Priority {
		return existing.source.Priority < cand.source.Priority
	}
	return version.Compare(existing.info.Version(), cand.info.Version()) >= 0
}

func sameName(entry, name string) bool {
	return entry == name
}

func sameVersion(entry, v string) bool {
	return version.Compare(entry, v) == 0
}

// matchesTarget checks a comma separated applicability list. An empty list
// or a wildcard entry matches any target.
func matchesTarget(list, value string, match func(entry, value string) bool) bool {
	if strings.TrimSpace(list) == "" {
		return true
	}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == AnyTarget || entry == AnyApplication {
			return true
		}
		if entry != "" && match(entry, value) {
			return true
		}
	}
	return false
}

// selectFile returns the first file whose platform regex fully matches
// platform. An empty regex matches every platform.
func selectFile(files []models.UpdateFileInfo, platform string) (models.UpdateFileInfo, bool) {
	for _, file := range files {
		if file.PlatformRegex == "" {
			return file, true
		}
		re, err := regexp.Compile(`^(?:` + file.PlatformRegex + `)$`)
		if err != nil {
			logrus.Warnf("Ignoring %s: invalid platform regex %q: %v", file.FileName, file.PlatformRegex, err)
			continue
		}
		if re.MatchString(platform) {
			return file, true
		}
	}
	return models.UpdateFileInfo{}, false
}
