// Package downloader retrieves a single URL into a local temporary file.
//
// Every Downloader runs asynchronously: Download returns immediately and the
// outcome is delivered as events and through Done. A download always ends
// with exactly one of Completed, Canceled or Aborted. Completed downloads are
// verified against the configured SHA-1 digest before they are reported.
package downloader

import (
	"context"
	"errors"
	"net/url"
)

// State of a downloader
type State int

const (
	Idle State = iota
	Downloading
	Completed
	Canceled
	Aborted
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Downloading:
		return "downloading"
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// EventKind identifies a downloader notification
type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventCompleted
	EventCanceled
	EventAborted
)

// Event is delivered to downloader observers
type Event struct {
	Kind    EventKind
	Percent int
	Message string
}

// Terminal reports whether the event ends the download
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventCanceled || e.Kind == EventAborted
}

// ErrHashMismatch is the abort reason when the payload digest differs
var ErrHashMismatch = errors.New("hashes do not match")

// ErrCanceled is reported by Err after a canceled download
var ErrCanceled = errors.New("download canceled")

// Downloader retrieves one URL
type Downloader interface {
	// Scheme returns the URL scheme handled by this downloader
	Scheme() string

	SetURL(u *url.URL)
	URL() *url.URL
	SetSHA1(sum []byte)
	SHA1() []byte
	SetFollowRedirects(follow bool)
	FollowRedirects() bool
	SetAutoRemoveDownloadedFile(remove bool)
	AutoRemoveDownloadedFile() bool
	// SetDownloadDir sets the directory temporary files are created in
	SetDownloadDir(dir string)

	// CanDownload is a best-effort feasibility probe
	CanDownload(ctx context.Context) bool

	// Download starts the retrieval without blocking
	Download(ctx context.Context)
	// Cancel requests cancellation; the terminal event becomes Canceled
	Cancel()
	// Done is closed once a terminal event has been delivered
	Done() <-chan struct{}

	State() State
	IsDownloaded() bool
	DownloadedFileName() string
	// Err returns the abort or cancel reason, or nil
	Err() error

	Subscribe(fn func(Event)) func()

	// Close cancels a running download and removes the downloaded file when
	// auto-removal is enabled
	Close() error
}

// Wait blocks until d reaches a terminal state or ctx is done
func Wait(ctx context.Context, d Downloader) error {
	select {
	case <-d.Done():
		return d.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
