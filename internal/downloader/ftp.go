package downloader

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/jlaffaye/ftp"
	"github.com/ralt/pkgupdate/internal/utils"
	"github.com/sirupsen/logrus"
)

const defaultFTPPort = "21"

// FTPDownloader retrieves ftp URLs
type FTPDownloader struct {
	*base
}

// NewFTPDownloader creates a downloader for the ftp scheme
func NewFTPDownloader() *FTPDownloader {
	d := &FTPDownloader{}
	d.base = newBase("ftp", d)
	return d
}

func (d *FTPDownloader) connect(ctx context.Context, u *url.URL) (*ftp.ServerConn, error) {
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), defaultFTPPort)
	}

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("failed to log in to %s: %w", addr, err)
	}
	return conn, nil
}

// ftpPath returns the server path of u. As in RFC 1738 the leading slash
// separates the host and is not part of the path.
func ftpPath(u *url.URL) string {
	return strings.TrimPrefix(u.Path, "/")
}

func (d *FTPDownloader) canFetch(ctx context.Context, u *url.URL) bool {
	if u.Host == "" {
		return false
	}
	conn, err := d.connect(ctx, u)
	if err != nil {
		logrus.Debugf("FTP probe of %s failed: %v", u.Redacted(), err)
		return false
	}
	defer conn.Quit()

	_, err = conn.FileSize(ftpPath(u))
	return err == nil
}

func (d *FTPDownloader) fetch(ctx context.Context, u *url.URL, out *os.File, progress func(done, total int64)) error {
	conn, err := d.connect(ctx, u)
	if err != nil {
		return err
	}
	defer conn.Quit()

	// Unblock a pending read when the download is canceled
	stop := context.AfterFunc(ctx, func() {
		conn.Quit()
	})
	defer stop()

	p := ftpPath(u)
	total, err := conn.FileSize(p)
	if err != nil {
		logrus.Debugf("FTP server did not report size of %s: %v", p, err)
		total = -1
	}

	resp, err := conn.Retr(p)
	if err != nil {
		return fmt.Errorf("failed to retrieve %s: %w", p, err)
	}
	defer resp.Close()

	if _, err := utils.CopyChunked(ctx, out, resp, utils.DefaultChunkSize, func(written int64) {
		progress(written, total)
	}); err != nil {
		return fmt.Errorf("failed to read %s: %w", p, err)
	}
	return nil
}
