package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ralt/pkgupdate/internal/utils"
	"github.com/sassoftware/go-rpmutils"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// ErrUnsupported is returned for payloads of unknown type
var ErrUnsupported = errors.New("unsupported archive type")

// Extractor unpacks one payload type into a directory
type Extractor interface {
	Extract(ctx context.Context, src, dest string) error
}

var extractors = map[Type]Extractor{
	TypeZip:    zipExtractor{},
	TypeTar:    tarExtractor{decompress: plain},
	TypeTarGz:  tarExtractor{decompress: gunzip},
	TypeTarZst: tarExtractor{decompress: unzstd},
	TypeTarXz:  tarExtractor{decompress: unxz},
	TypeRpm:    rpmExtractor{},
}

// ExtractorFor returns the extractor handling t
func ExtractorFor(t Type) (Extractor, error) {
	e, ok := extractors[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
	return e, nil
}

// Extract detects the type of src and unpacks it into dest
func Extract(ctx context.Context, src, dest string) error {
	t, err := DetectType(src)
	if err != nil {
		return fmt.Errorf("failed to detect archive type: %w", err)
	}
	e, err := ExtractorFor(t)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(src), err)
	}

	if err := utils.EnsureDir(dest); err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	logrus.Debugf("Extracting %s payload %s into %s", t, src, dest)
	if err := e.Extract(ctx, src, dest); err != nil {
		return fmt.Errorf("failed to extract %s: %w", filepath.Base(src), err)
	}
	return nil
}

// target resolves an entry name inside dest, rejecting names that escape it
func target(dest, name string) (string, error) {
	p := filepath.Join(dest, filepath.FromSlash(name))
	if !utils.IsWithin(dest, p) {
		return "", fmt.Errorf("entry %q escapes the destination", name)
	}
	return p, nil
}

func writeEntry(path string, r io.Reader, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

type tarExtractor struct {
	decompress func(io.Reader) (io.Reader, func(), error)
}

func plain(r io.Reader) (io.Reader, func(), error) {
	return r, func() {}, nil
}

func gunzip(r io.Reader) (io.Reader, func(), error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return gr, func() { gr.Close() }, nil
}

func unzstd(r io.Reader) (io.Reader, func(), error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return zr, zr.Close, nil
}

func unxz(r io.Reader) (io.Reader, func(), error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return xr, func() {}, nil
}

func (e tarExtractor) Extract(ctx context.Context, src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	r, closeFn, err := e.decompress(f)
	if err != nil {
		return fmt.Errorf("failed to open compressed stream: %w", err)
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		path, err := target(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, fs.FileMode(hdr.Mode).Perm()|0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(path, tr, fs.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			link := hdr.Linkname
			if !filepath.IsAbs(link) {
				link = filepath.Join(filepath.Dir(path), link)
			}
			if !utils.IsWithin(dest, link) {
				return fmt.Errorf("symlink %q points outside the destination", hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, path); err != nil {
				return err
			}
		default:
			logrus.Debugf("Skipping tar entry %s of type %c", hdr.Name, hdr.Typeflag)
		}
	}
}

type zipExtractor struct{}

func (zipExtractor) Extract(ctx context.Context, src, dest string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		path, err := target(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, 0755); err != nil {
				return err
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeEntry(path, rc, f.Mode())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

type rpmExtractor struct{}

func (rpmExtractor) Extract(ctx context.Context, src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	rpm, err := rpmutils.ReadRpm(f)
	if err != nil {
		return fmt.Errorf("failed to read RPM: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return rpm.ExpandPayload(dest)
}

// UncompressedSize returns the total size of the regular files src unpacks
// to. It extracts into a scratch directory below tempDir.
func UncompressedSize(ctx context.Context, src, tempDir string) (uint64, error) {
	scratch, err := os.MkdirTemp(tempDir, "measure-*")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(scratch)

	if err := Extract(ctx, src, scratch); err != nil {
		return 0, err
	}

	var total uint64
	err = filepath.WalkDir(scratch, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	return total, err
}
