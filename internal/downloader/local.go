package downloader

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/ralt/pkgupdate/internal/utils"
)

// LocalDownloader copies a file:// URL in chunks
type LocalDownloader struct {
	*base
	chunkSize int
}

// NewLocalDownloader creates a downloader for the file scheme
func NewLocalDownloader() *LocalDownloader {
	d := &LocalDownloader{chunkSize: utils.DefaultChunkSize}
	d.base = newBase("file", d)
	return d
}

// LocalPath converts a file URL into a filesystem path
func LocalPath(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	if u.Host != "" && u.Host != "localhost" {
		p = "//" + u.Host + p
	}
	return filepath.FromSlash(p)
}

func (d *LocalDownloader) canFetch(_ context.Context, u *url.URL) bool {
	info, err := os.Stat(LocalPath(u))
	if err != nil || info.IsDir() {
		return false
	}
	f, err := os.Open(LocalPath(u))
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func (d *LocalDownloader) fetch(ctx context.Context, u *url.URL, out *os.File, progress func(done, total int64)) error {
	src := LocalPath(u)
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}

	total := info.Size()
	if _, err := utils.CopyChunked(ctx, out, in, d.chunkSize, func(written int64) {
		progress(written, total)
	}); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return nil
}
