package downloader

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Constructor creates a fresh downloader
type Constructor func() Downloader

// Factory maps URL schemes to downloader constructors
type Factory struct {
	mu          sync.RWMutex
	ctors       map[string]Constructor
	downloadDir string
}

// NewFactory creates an empty factory
func NewFactory() *Factory {
	return &Factory{ctors: make(map[string]Constructor)}
}

// DefaultFactory creates a factory knowing the file, ftp, http and https schemes
func DefaultFactory() *Factory {
	f := NewFactory()
	f.Register("file", func() Downloader { return NewLocalDownloader() })
	f.Register("ftp", func() Downloader { return NewFTPDownloader() })
	f.Register("http", func() Downloader { return NewHTTPDownloader("http") })
	f.Register("https", func() Downloader { return NewHTTPDownloader("https") })
	return f
}

// Register adds or replaces the constructor for a scheme
func (f *Factory) Register(scheme string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctors[strings.ToLower(scheme)] = c
}

// SetDownloadDir sets the directory new downloaders write into
func (f *Factory) SetDownloadDir(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadDir = dir
}

// Schemes returns the registered schemes in sorted order
func (f *Factory) Schemes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.ctors))
	for s := range f.ctors {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Create returns a new downloader for the scheme
func (f *Factory) Create(scheme string) (Downloader, error) {
	f.mu.RLock()
	c, ok := f.ctors[strings.ToLower(scheme)]
	dir := f.downloadDir
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no downloader for scheme %q", scheme)
	}
	d := c()
	d.SetDownloadDir(dir)
	return d, nil
}

// CreateForURL returns a downloader configured for u
func (f *Factory) CreateForURL(u *url.URL) (Downloader, error) {
	if u == nil {
		return nil, fmt.Errorf("no URL given")
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "file"
	}
	d, err := f.Create(scheme)
	if err != nil {
		return nil, err
	}
	d.SetURL(u)
	return d, nil
}
