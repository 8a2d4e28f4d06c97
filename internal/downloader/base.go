package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"sync"

	"github.com/ralt/pkgupdate/internal/utils"
	"github.com/sirupsen/logrus"
)

// fetcher is implemented by every scheme specific downloader
type fetcher interface {
	canFetch(ctx context.Context, u *url.URL) bool
	// fetch writes the payload of u into out. progress may be called with
	// total <= 0 when the size is unknown.
	fetch(ctx context.Context, u *url.URL, out *os.File, progress func(done, total int64)) error
}

// base holds the state shared by all downloaders
type base struct {
	scheme  string
	fetcher fetcher

	mu              sync.Mutex
	url             *url.URL
	sha1            []byte
	followRedirects bool
	autoRemove      bool
	downloadDir     string
	state           State
	fileName        string
	err             error
	percent         int
	cancel          context.CancelFunc
	done            chan struct{}
	observers       map[int]func(Event)
	nextObserver    int

	verifier utils.HashVerifier
}

func newBase(scheme string, f fetcher) *base {
	return &base{
		scheme:     scheme,
		fetcher:    f,
		autoRemove: true,
		done:       make(chan struct{}),
		observers:  make(map[int]func(Event)),
	}
}

func (b *base) Scheme() string { return b.scheme }

func (b *base) SetURL(u *url.URL) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.url = u
}

func (b *base) URL() *url.URL {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

func (b *base) SetSHA1(sum []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sha1 = append([]byte(nil), sum...)
}

func (b *base) SHA1() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sha1
}

func (b *base) SetFollowRedirects(follow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.followRedirects = follow
}

func (b *base) FollowRedirects() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.followRedirects
}

func (b *base) SetAutoRemoveDownloadedFile(remove bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoRemove = remove
}

func (b *base) AutoRemoveDownloadedFile() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.autoRemove
}

func (b *base) SetDownloadDir(dir string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.downloadDir = dir
}

func (b *base) CanDownload(ctx context.Context) bool {
	u := b.URL()
	if u == nil {
		return false
	}
	return b.fetcher.canFetch(ctx, u)
}

func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) IsDownloaded() bool {
	return b.State() == Completed
}

func (b *base) DownloadedFileName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Completed {
		return ""
	}
	return b.fileName
}

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *base) Done() <-chan struct{} { return b.done }

func (b *base) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextObserver
	b.nextObserver++
	b.observers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

func (b *base) Cancel() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *base) Close() error {
	b.Cancel()

	b.mu.Lock()
	running := b.state == Downloading
	b.mu.Unlock()
	if running {
		<-b.done
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.autoRemove && b.state == Completed && b.fileName != "" {
		if err := os.Remove(b.fileName); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove downloaded file %s: %w", b.fileName, err)
		}
		b.fileName = ""
	}
	return nil
}

func (b *base) Download(ctx context.Context) {
	b.mu.Lock()
	if b.state != Idle {
		b.mu.Unlock()
		logrus.Warnf("Download of %s already started", b.url)
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.state = Downloading
	u := b.url
	b.mu.Unlock()

	go func() {
		defer cancel()
		b.run(ctx, u)
	}()
}

func (b *base) run(ctx context.Context, u *url.URL) {
	b.emit(Event{Kind: EventStarted})

	if u == nil {
		b.abort(errors.New("no URL set"))
		return
	}

	logrus.Debugf("Downloading %s", u.Redacted())

	out, err := os.CreateTemp(b.downloadDirOrDefault(), "download-*-"+tempSuffix(u))
	if err != nil {
		b.abort(fmt.Errorf("failed to create temporary file: %w", err))
		return
	}
	fileName := out.Name()

	err = b.fetcher.fetch(ctx, u, out, b.reportBytes)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to write %s: %w", fileName, cerr)
	}
	if ctx.Err() != nil {
		os.Remove(fileName)
		b.finishCanceled()
		return
	}
	if err != nil {
		os.Remove(fileName)
		b.abort(err)
		return
	}

	match, err := b.verify(ctx, fileName)
	if ctx.Err() != nil {
		os.Remove(fileName)
		b.finishCanceled()
		return
	}
	if err != nil {
		os.Remove(fileName)
		b.abort(fmt.Errorf("failed to verify %s: %w", fileName, err))
		return
	}
	if !match {
		os.Remove(fileName)
		b.abort(ErrHashMismatch)
		return
	}

	b.mu.Lock()
	b.fileName = fileName
	b.state = Completed
	b.mu.Unlock()

	b.reportPercent(100)
	logrus.Debugf("Downloaded %s to %s", u.Redacted(), fileName)
	b.finish(Event{Kind: EventCompleted})
}

// verify re-opens the downloaded file read-only and checks its digest
func (b *base) verify(ctx context.Context, fileName string) (bool, error) {
	sum := b.SHA1()
	if len(sum) == 0 {
		return true, nil
	}
	f, err := os.Open(fileName)
	if err != nil {
		return false, err
	}
	defer f.Close()

	res := <-b.verifier.VerifyAsync(ctx, f, sum)
	return res.Match, res.Err
}

func (b *base) downloadDirOrDefault() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.downloadDir
}

func (b *base) reportBytes(done, total int64) {
	if total <= 0 {
		return
	}
	pct := int(done * 100 / total)
	if pct > 99 {
		// 100 is only reported once the payload is verified
		pct = 99
	}
	b.reportPercent(pct)
}

func (b *base) reportPercent(pct int) {
	b.mu.Lock()
	if pct == b.percent {
		b.mu.Unlock()
		return
	}
	b.percent = pct
	b.mu.Unlock()
	b.emit(Event{Kind: EventProgress, Percent: pct})
}

func (b *base) abort(err error) {
	b.mu.Lock()
	b.state = Aborted
	b.err = err
	b.mu.Unlock()
	logrus.Debugf("Download of %s aborted: %v", b.URL(), err)
	b.finish(Event{Kind: EventAborted, Message: err.Error()})
}

func (b *base) finishCanceled() {
	b.mu.Lock()
	b.state = Canceled
	b.err = ErrCanceled
	b.mu.Unlock()
	b.finish(Event{Kind: EventCanceled})
}

func (b *base) finish(ev Event) {
	b.emit(ev)
	close(b.done)
}

func (b *base) emit(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.observers))
	for _, fn := range b.observers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func tempSuffix(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "payload"
	}
	return name
}
