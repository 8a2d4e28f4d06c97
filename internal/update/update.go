// Package update models a single applicable update: where it comes from,
// the payload to download and the ledger operations it implies.
package update

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ralt/pkgupdate/internal/downloader"
	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/operations"
	"github.com/ralt/pkgupdate/internal/task"
	"github.com/sirupsen/logrus"
)

// Update downloads the payload of one catalog entry. Running the task
// performs the download; installing is left to the installer.
type Update struct {
	*task.Task

	target *Target
	source models.UpdateSourceInfo
	info   models.UpdateInfo
	file   models.UpdateFileInfo
	url    *url.URL

	dl downloader.Downloader
}

// New creates the update for one file of a catalog entry
func New(target *Target, source models.UpdateSourceInfo, info models.UpdateInfo, file models.UpdateFileInfo) (*Update, error) {
	u, err := source.Resolve(file.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s against %s: %w", file.FileName, source.URLString(), err)
	}

	dl, err := target.Factory().CreateForURL(u)
	if err != nil {
		return nil, err
	}
	dl.SetSHA1(file.SHA1)
	dl.SetFollowRedirects(true)

	up := &Update{
		target: target,
		source: source,
		info:   info,
		file:   file,
		url:    u,
		dl:     dl,
	}
	up.Task = task.New(displayName(info), task.Stoppable, up)
	return up, nil
}

func displayName(info models.UpdateInfo) string {
	if info.Kind == models.CompatUpdate {
		return "CompatLevel " + info.Value("CompatLevel")
	}
	return info.Name()
}

func (u *Update) Target() *Target { return u.target }
func (u *Update) Source() models.UpdateSourceInfo { return u.source }
func (u *Update) Info() models.UpdateInfo { return u.info }
func (u *Update) File() models.UpdateFileInfo { return u.file }
func (u *Update) URL() *url.URL { return u.url }
func (u *Update) Kind() models.UpdateKind { return u.info.Kind }
func (u *Update) Data(key string) string { return u.info.Value(key) }
func (u *Update) PackageName() string { return u.info.Name() }
func (u *Update) Version() string { return u.info.Version() }
func (u *Update) ReleaseDate() time.Time { return u.info.ReleaseDate() }
func (u *Update) Downloader() downloader.Downloader { return u.dl }

// CompatLevel returns the level a compat update moves the target to
func (u *Update) CompatLevel() (int, bool) {
	return u.info.CompatLevel()
}

// IsDownloaded reports whether the payload arrived and verified
func (u *Update) IsDownloaded() bool {
	return u.dl.IsDownloaded()
}

// DownloadedFileName returns the local payload, valid once downloaded
func (u *Update) DownloadedFileName() string {
	return u.dl.DownloadedFileName()
}

// SetKeepDownloadedFile keeps the payload on disk after Close
func (u *Update) SetKeepDownloadedFile(keep bool) {
	u.dl.SetAutoRemoveDownloadedFile(!keep)
}

// Operations returns the ledger operations applying this update implies
func (u *Update) Operations() []operations.Operation {
	switch u.info.Kind {
	case models.CompatUpdate:
		op := operations.NewUpdateCompatLevel()
		op.SetArguments([]string{u.info.Value("CompatLevel")})
		return []operations.Operation{op}
	default:
		op := operations.NewUpdatePackage()
		op.SetArguments([]string{u.info.Name(), u.info.Version(), models.FormatDate(u.info.ReleaseDate())})
		return []operations.Operation{op}
	}
}

// Close releases the downloaded payload
func (u *Update) Close() error {
	return u.dl.Close()
}

// DoRun downloads the payload and forwards its progress
func (u *Update) DoRun(ctx context.Context, t *task.Task) error {
	unsubscribe := u.dl.Subscribe(func(ev downloader.Event) {
		switch ev.Kind {
		case downloader.EventProgress:
			t.ReportProgress(ev.Percent, fmt.Sprintf("downloading %s", u.url.Redacted()))
		case downloader.EventAborted:
			t.ReportError(task.EUserDefined, ev.Message)
		}
	})
	defer unsubscribe()

	logrus.Debugf("Downloading %s from %s", t.Name(), u.url.Redacted())
	u.dl.Download(ctx)

	select {
	case <-u.dl.Done():
	case <-ctx.Done():
		u.dl.Cancel()
		<-u.dl.Done()
	}

	if !u.dl.IsDownloaded() {
		if err := u.dl.Err(); err != nil {
			return err
		}
		return errors.New("download did not complete")
	}
	t.ReportDone()
	return nil
}

func (u *Update) DoStop() bool {
	u.dl.Cancel()
	return true
}

func (u *Update) DoPause() bool { return false }
func (u *Update) DoResume() bool { return false }

// String describes the update for logs
func (u *Update) String() string {
	if u.info.Kind == models.CompatUpdate {
		return fmt.Sprintf("compat level %s from %s", u.info.Value("CompatLevel"), u.source.Name)
	}
	return fmt.Sprintf("%s %s from %s (priority %d)", u.info.Name(), u.info.Version(), u.source.Name, u.source.Priority)
}
