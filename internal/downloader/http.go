package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/ralt/pkgupdate/internal/utils"
	"github.com/sirupsen/logrus"
)

const (
	userAgent    = "pkgupdate"
	maxRedirects = 20
)

// ErrRedirectLoop aborts a download whose redirect chain revisits a URL
var ErrRedirectLoop = errors.New("Not Found")

// ProxyFunc selects a proxy for a request, as http.Transport.Proxy does
type ProxyFunc func(*http.Request) (*url.URL, error)

// HTTPDownloader retrieves http and https URLs
type HTTPDownloader struct {
	*base

	// SystemProxy is used for the single retry after a failed direct
	// connection. Defaults to http.ProxyFromEnvironment.
	SystemProxy ProxyFunc

	mu      sync.Mutex
	visited []string
}

// NewHTTPDownloader creates a downloader for the given scheme (http or https)
func NewHTTPDownloader(scheme string) *HTTPDownloader {
	d := &HTTPDownloader{SystemProxy: http.ProxyFromEnvironment}
	d.base = newBase(scheme, d)
	return d
}

// transportError marks failures that happened before an HTTP response was
// received; only those qualify for the proxy retry.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func (d *HTTPDownloader) client(proxy ProxyFunc) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = proxy
	return &http.Client{
		Transport:     transport,
		CheckRedirect: d.checkRedirect,
	}
}

func (d *HTTPDownloader) checkRedirect(req *http.Request, via []*http.Request) error {
	if !d.FollowRedirects() {
		return http.ErrUseLastResponse
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	target := req.URL.String()
	for _, v := range d.visited {
		if v == target {
			logrus.Warnf("Redirect loop detected at %s", req.URL.Redacted())
			return ErrRedirectLoop
		}
	}
	if len(via) >= maxRedirects {
		return ErrRedirectLoop
	}
	d.visited = append(d.visited, target)
	logrus.Debugf("Following redirect to %s", req.URL.Redacted())
	return nil
}

func (d *HTTPDownloader) canFetch(ctx context.Context, u *url.URL) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgent)

	d.resetVisited(u)
	resp, err := d.client(nil).Do(req)
	if err != nil {
		resp, err = d.client(d.SystemProxy).Do(req)
		if err != nil {
			return false
		}
	}
	resp.Body.Close()
	return resp.StatusCode < 400 || resp.StatusCode == http.StatusMethodNotAllowed
}

func (d *HTTPDownloader) fetch(ctx context.Context, u *url.URL, out *os.File, progress func(done, total int64)) error {
	err := d.fetchOnce(ctx, u, out, progress, nil)

	var te *transportError
	if err == nil || ctx.Err() != nil || !errors.As(err, &te) || d.SystemProxy == nil {
		return err
	}

	logrus.Warnf("Download of %s failed, retrying with system proxy settings: %v", u.Redacted(), err)
	if err := out.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate file on retry: %w", err)
	}
	if _, err := out.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek to beginning of file: %w", err)
	}
	return d.fetchOnce(ctx, u, out, progress, d.SystemProxy)
}

func (d *HTTPDownloader) fetchOnce(ctx context.Context, u *url.URL, out *os.File, progress func(done, total int64), proxy ProxyFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	d.resetVisited(u)
	resp, err := d.client(proxy).Do(req)
	if err != nil {
		if errors.Is(err, ErrRedirectLoop) {
			return ErrRedirectLoop
		}
		return &transportError{err: fmt.Errorf("failed to perform HTTP request: %w", err)}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logrus.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected HTTP status: %s", resp.Status)
	}

	total := resp.ContentLength
	if _, err := utils.CopyChunked(ctx, out, resp.Body, utils.DefaultChunkSize, func(written int64) {
		progress(written, total)
	}); err != nil {
		return fmt.Errorf("failed to write response body to file: %w", err)
	}
	return nil
}

func (d *HTTPDownloader) resetVisited(u *url.URL) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visited = []string{u.String()}
}
