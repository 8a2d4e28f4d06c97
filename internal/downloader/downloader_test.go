package downloader

import (
	"context"
	"crypto/sha1"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) terminals() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func waitDone(t *testing.T, d Downloader) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("download did not finish")
	}
}

func fileURL(path string) *url.URL {
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
}

func TestLocalDownloadCompletes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "payload.bin")
	data := make([]byte, 200*1024)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(src, data, 0644))
	sum := sha1.Sum(data)

	d := NewLocalDownloader()
	d.SetURL(fileURL(src))
	d.SetSHA1(sum[:])
	d.SetDownloadDir(t.TempDir())

	rec := &recorder{}
	d.Subscribe(rec.record)

	assert.True(t, d.CanDownload(context.Background()))
	d.Download(context.Background())
	waitDone(t, d)

	require.True(t, d.IsDownloaded())
	got, err := os.ReadFile(d.DownloadedFileName())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	terms := rec.terminals()
	require.Len(t, terms, 1)
	assert.Equal(t, EventCompleted, terms[0].Kind)

	name := d.DownloadedFileName()
	require.NoError(t, d.Close())
	_, err = os.Stat(name)
	assert.True(t, os.IsNotExist(err))
}

func TestLocalDownloadKeepsFileWithoutAutoRemove(t *testing.T) {
	src := filepath.Join(t.TempDir(), "keep")
	require.NoError(t, os.WriteFile(src, []byte("keep me"), 0644))

	d := NewLocalDownloader()
	d.SetURL(fileURL(src))
	d.SetAutoRemoveDownloadedFile(false)
	d.SetDownloadDir(t.TempDir())
	d.Download(context.Background())
	waitDone(t, d)

	name := d.DownloadedFileName()
	require.NoError(t, d.Close())
	_, err := os.Stat(name)
	assert.NoError(t, err)
}

func TestLocalDownloadMissingFileAborts(t *testing.T) {
	d := NewLocalDownloader()
	d.SetURL(fileURL(filepath.Join(t.TempDir(), "missing")))
	d.SetDownloadDir(t.TempDir())

	assert.False(t, d.CanDownload(context.Background()))
	d.Download(context.Background())
	waitDone(t, d)

	assert.Equal(t, Aborted, d.State())
	assert.False(t, d.IsDownloaded())
	assert.Error(t, d.Err())
}

func TestHTTPHashMismatchAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("actual bytes"))
	}))
	defer srv.Close()

	tmp := t.TempDir()
	u, _ := url.Parse(srv.URL + "/payload.tar.gz")
	wrong := sha1.Sum([]byte("expected bytes"))

	d := NewHTTPDownloader("http")
	d.SetURL(u)
	d.SetSHA1(wrong[:])
	d.SetDownloadDir(tmp)

	rec := &recorder{}
	d.Subscribe(rec.record)
	d.Download(context.Background())
	waitDone(t, d)

	assert.Equal(t, Aborted, d.State())
	assert.False(t, d.IsDownloaded())
	assert.Equal(t, "", d.DownloadedFileName())
	assert.ErrorIs(t, d.Err(), ErrHashMismatch)

	terms := rec.terminals()
	require.Len(t, terms, 1)
	assert.Equal(t, EventAborted, terms[0].Kind)
	assert.Equal(t, "hashes do not match", terms[0].Message)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "no temp file may be retained")
}

func TestHTTPDownloadWithMatchingHash(t *testing.T) {
	body := []byte("catalog contents")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/Updates.xml")
	sum := sha1.Sum(body)
	d := NewHTTPDownloader("http")
	d.SetURL(u)
	d.SetSHA1(sum[:])
	d.SetDownloadDir(t.TempDir())
	d.Download(context.Background())
	waitDone(t, d)

	require.True(t, d.IsDownloaded(), "err: %v", d.Err())
	got, err := os.ReadFile(d.DownloadedFileName())
	require.NoError(t, err)
	assert.Equal(t, body, got)
	require.NoError(t, d.Close())
}

func TestHTTPRedirectLoopAborts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/a", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/a")
	d := NewHTTPDownloader("http")
	d.SystemProxy = nil
	d.SetURL(u)
	d.SetFollowRedirects(true)
	d.SetDownloadDir(t.TempDir())
	d.Download(context.Background())
	waitDone(t, d)

	assert.Equal(t, Aborted, d.State())
	assert.ErrorIs(t, d.Err(), ErrRedirectLoop)
}

func TestHTTPRedirectFollowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("moved"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/old")

	follow := NewHTTPDownloader("http")
	follow.SetURL(u)
	follow.SetFollowRedirects(true)
	follow.SetDownloadDir(t.TempDir())
	follow.Download(context.Background())
	waitDone(t, follow)
	require.True(t, follow.IsDownloaded())

	noFollow := NewHTTPDownloader("http")
	noFollow.SetURL(u)
	noFollow.SetDownloadDir(t.TempDir())
	noFollow.Download(context.Background())
	waitDone(t, noFollow)
	assert.Equal(t, Aborted, noFollow.State())
}

func TestHTTPStatusErrorAborts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	u, _ := url.Parse(srv.URL + "/missing")
	d := NewHTTPDownloader("http")
	d.SetURL(u)
	d.SetDownloadDir(t.TempDir())
	assert.False(t, d.CanDownload(context.Background()))
	d.Download(context.Background())
	waitDone(t, d)
	assert.Equal(t, Aborted, d.State())
}

func TestHTTPProxyFallbackRetriesOnce(t *testing.T) {
	body := []byte("via proxy")
	var mu sync.Mutex
	proxied := 0
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		proxied++
		mu.Unlock()
		w.Write(body)
	}))
	defer proxy.Close()
	proxyURL, _ := url.Parse(proxy.URL)

	// nothing listens on this address, so the direct attempt fails
	u, _ := url.Parse("http://127.0.0.1:1/payload")
	d := NewHTTPDownloader("http")
	d.SystemProxy = http.ProxyURL(proxyURL)
	d.SetURL(u)
	d.SetDownloadDir(t.TempDir())
	d.Download(context.Background())
	waitDone(t, d)

	require.True(t, d.IsDownloaded(), "err: %v", d.Err())
	mu.Lock()
	assert.Equal(t, 1, proxied)
	mu.Unlock()
}

func TestCancelDownload(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	u, _ := url.Parse(srv.URL + "/slow")
	d := NewHTTPDownloader("http")
	d.SetURL(u)
	d.SetDownloadDir(t.TempDir())

	started := make(chan struct{}, 1)
	d.Subscribe(func(ev Event) {
		if ev.Kind == EventProgress {
			select {
			case started <- struct{}{}:
			default:
			}
		}
	})
	d.Download(context.Background())
	<-started
	d.Cancel()
	waitDone(t, d)

	assert.Equal(t, Canceled, d.State())
	assert.ErrorIs(t, d.Err(), ErrCanceled)
}

func TestFactory(t *testing.T) {
	f := DefaultFactory()
	assert.Equal(t, []string{"file", "ftp", "http", "https"}, f.Schemes())

	u, _ := url.Parse("ftp://example.com/pub/Updates.xml")
	d, err := f.CreateForURL(u)
	require.NoError(t, err)
	assert.Equal(t, "ftp", d.Scheme())
	assert.Equal(t, u, d.URL())
	assert.Equal(t, "pub/Updates.xml", ftpPath(u))

	_, err = f.Create("gopher")
	assert.Error(t, err)

	f.Register("gopher", func() Downloader { return NewLocalDownloader() })
	_, err = f.Create("GOPHER")
	assert.NoError(t, err)
}
