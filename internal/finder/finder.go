// Package finder downloads the catalog of every update source and
// reconciles them against the installed packages of a target.
package finder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ralt/pkgupdate/internal/catalog"
	"github.com/ralt/pkgupdate/internal/downloader"
	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/task"
	"github.com/ralt/pkgupdate/internal/update"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Error codes reported by the finder
const (
	ESourceFailed task.ErrorCode = task.EUserDefined + iota
	ENoSources
	ENoPlatformMatch
	EUpdateFailed
)

// ErrNoSources is returned when no source is configured or none could be read
var ErrNoSources = errors.New("no usable update source")

// sourceCatalog is a catalog together with the source it came from
type sourceCatalog struct {
	source  models.UpdateSourceInfo
	catalog *catalog.Catalog
}

// Finder is the task computing the set of applicable updates
type Finder struct {
	*task.Task

	target *update.Target

	mu      sync.Mutex
	mode    models.UpdateKind
	addNew  bool
	updates []*update.Update
}

// New creates a finder for target, looking for package updates
func New(target *update.Target) *Finder {
	f := &Finder{
		target: target,
		mode:   models.PackageUpdate,
	}
	f.Task = task.New("finder", task.Stoppable, f)
	return f
}

// SetMode selects whether package or compat updates are searched
func (f *Finder) SetMode(kind models.UpdateKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = kind
}

func (f *Finder) Mode() models.UpdateKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// SetAddNewPackages makes packages that are not installed yet eligible
func (f *Finder) SetAddNewPackages(add bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addNew = add
}

func (f *Finder) AddNewPackages() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addNew
}

// Updates returns the updates found by the last run. The caller owns them
// and must close them.
func (f *Finder) Updates() []*update.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*update.Update(nil), f.updates...)
}

// DoRun downloads every catalog then reconciles them
func (f *Finder) DoRun(ctx context.Context, t *task.Task) error {
	srcs := f.target.Sources.Sources()
	if len(srcs) == 0 {
		t.ReportError(ENoSources, "No update source configured")
		return ErrNoSources
	}

	catalogs := f.fetchCatalogs(ctx, t, srcs)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(catalogs) == 0 {
		t.ReportError(ENoSources, "None of the update sources could be loaded")
		return ErrNoSources
	}
	t.ReportProgress(50, "Reconciling catalogs")

	var (
		updates []*update.Update
		err     error
	)
	if f.Mode() == models.CompatUpdate {
		updates, err = f.findCompatUpdate(t, catalogs)
	} else {
		updates, err = f.findPackageUpdates(ctx, t, catalogs)
	}
	if err != nil {
		closeAll(updates)
		return err
	}

	f.mu.Lock()
	f.updates = updates
	f.mu.Unlock()

	logrus.Infof("Found %d update(s) for %s", len(updates), f.target.Name)
	t.ReportDone()
	return nil
}

func (f *Finder) DoStop() bool { return true }
func (f *Finder) DoPause() bool { return false }
func (f *Finder) DoResume() bool { return false }

// fetchCatalogs downloads and parses one catalog per source concurrently.
// Failing sources are reported and dropped. The result keeps source order.
func (f *Finder) fetchCatalogs(ctx context.Context, t *task.Task, srcs []models.UpdateSourceInfo) []sourceCatalog {
	results := make([]*catalog.Catalog, len(srcs))
	percents := make([]int, len(srcs))
	var mu sync.Mutex

	report := func(i, percent int, text string) {
		mu.Lock()
		percents[i] = percent
		sum := 0
		for _, p := range percents {
			sum += p
		}
		mu.Unlock()
		t.ReportProgress(sum/len(percents)*49/100, text)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			cat, err := f.fetchCatalog(gctx, src, func(p int) {
				report(i, p, fmt.Sprintf("Downloading catalog of %s", src.Name))
			})
			if err != nil {
				if gctx.Err() == nil {
					logrus.Warnf("Dropping update source %s: %v", src.Name, err)
					t.ReportError(ESourceFailed, fmt.Sprintf("Could not load %s: %v", src.Name, err))
				}
				report(i, 100, "")
				return nil
			}
			results[i] = cat
			report(i, 100, fmt.Sprintf("Loaded catalog of %s", src.Name))
			return nil
		})
	}
	_ = g.Wait()

	var out []sourceCatalog
	for i, cat := range results {
		if cat != nil {
			out = append(out, sourceCatalog{source: srcs[i], catalog: cat})
		}
	}
	return out
}

func (f *Finder) fetchCatalog(ctx context.Context, src models.UpdateSourceInfo, progress func(int)) (*catalog.Catalog, error) {
	u, err := src.Resolve(catalog.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog URL: %w", err)
	}

	dl, err := f.target.Factory().CreateForURL(u)
	if err != nil {
		return nil, err
	}
	dl.SetFollowRedirects(true)
	defer dl.Close()

	unsubscribe := dl.Subscribe(func(ev downloader.Event) {
		if ev.Kind == downloader.EventProgress {
			progress(ev.Percent)
		}
	})
	defer unsubscribe()

	logrus.Debugf("Fetching %s", u.Redacted())
	dl.Download(ctx)
	if err := downloader.Wait(ctx, dl); err != nil {
		return nil, err
	}
	if !dl.IsDownloaded() {
		return nil, fmt.Errorf("failed to download %s", u.Redacted())
	}

	cat, err := catalog.ParseFile(dl.DownloadedFileName())
	if err != nil {
		return nil, err
	}
	return cat, nil
}

func closeAll(updates []*update.Update) {
	for _, u := range updates {
		if err := u.Close(); err != nil {
			logrus.Warnf("Failed to release %s: %v", u.Name(), err)
		}
	}
}
