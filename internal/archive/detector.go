// Package archive unpacks update payloads.
package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
)

// Type is the container format of a payload
type Type int

const (
	TypeUnknown Type = iota
	TypeZip
	TypeTar
	TypeTarGz
	TypeTarZst
	TypeTarXz
	TypeRpm
)

// String returns the string representation of Type
func (t Type) String() string {
	switch t {
	case TypeZip:
		return "zip"
	case TypeTar:
		return "tar"
	case TypeTarGz:
		return "tar.gz"
	case TypeTarZst:
		return "tar.zst"
	case TypeTarXz:
		return "tar.xz"
	case TypeRpm:
		return "rpm"
	default:
		return "unknown"
	}
}

// Magic bytes for payload detection
var (
	// Zip local file header, or the end of central directory of an empty zip
	zipMagic      = []byte{0x50, 0x4B, 0x03, 0x04}
	zipEmptyMagic = []byte{0x50, 0x4B, 0x05, 0x06}

	// RPM packages start with 0xED 0xAB 0xEE 0xDB
	rpmMagic = []byte{0xED, 0xAB, 0xEE, 0xDB}

	gzipMagic = []byte{0x1F, 0x8B}
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	xzMagic   = []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}

	// POSIX tar headers carry "ustar" at offset 257
	tarMagic       = []byte("ustar")
	tarMagicOffset = 257
)

// DetectType determines the payload type from its magic bytes, falling back
// to the file extension
func DetectType(path string) (Type, error) {
	f, err := os.Open(path)
	if err != nil {
		return TypeUnknown, err
	}
	defer f.Close()

	// Read first 512 bytes for magic byte detection
	header := make([]byte, 512)
	n, err := f.Read(header)
	if err != nil && n == 0 {
		return TypeUnknown, err
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, zipMagic), bytes.HasPrefix(header, zipEmptyMagic):
		return TypeZip, nil
	case bytes.HasPrefix(header, rpmMagic):
		return TypeRpm, nil
	case bytes.HasPrefix(header, gzipMagic):
		return TypeTarGz, nil
	case bytes.HasPrefix(header, zstdMagic):
		return TypeTarZst, nil
	case bytes.HasPrefix(header, xzMagic):
		return TypeTarXz, nil
	case len(header) >= tarMagicOffset+len(tarMagic) &&
		bytes.Equal(header[tarMagicOffset:tarMagicOffset+len(tarMagic)], tarMagic):
		return TypeTar, nil
	}

	return typeFromName(filepath.Base(path)), nil
}

func typeFromName(name string) Type {
	name = strings.ToLower(name)
	switch {
	case strings.HasSuffix(name, ".zip"):
		return TypeZip
	case strings.HasSuffix(name, ".rpm"):
		return TypeRpm
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return TypeTarGz
	case strings.HasSuffix(name, ".tar.zst"):
		return TypeTarZst
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		return TypeTarXz
	case strings.HasSuffix(name, ".tar"):
		return TypeTar
	default:
		return TypeUnknown
	}
}
