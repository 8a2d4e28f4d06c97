package models

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// UpdateSourceInfo describes one remote catalog endpoint
type UpdateSourceInfo struct {
	Name        string
	Title       string
	Description string
	URL         *url.URL

	// Lower values win when two sources offer the same update
	Priority int
}

// Equal reports structural equality of two sources
func (s UpdateSourceInfo) Equal(o UpdateSourceInfo) bool {
	return s.Name == o.Name && s.Title == o.Title && s.Description == o.Description &&
		s.Priority == o.Priority && s.URLString() == o.URLString()
}

// URLString returns the source URL as text, or "" when unset
func (s UpdateSourceInfo) URLString() string {
	if s.URL == nil {
		return ""
	}
	return s.URL.String()
}

// Resolve joins a file name onto the source URL
func (s UpdateSourceInfo) Resolve(name string) (*url.URL, error) {
	if s.URL == nil {
		return url.Parse(name)
	}
	ref, err := url.Parse(name)
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() {
		return ref, nil
	}
	base := *s.URL
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if base.RawPath != "" && !strings.HasSuffix(base.RawPath, "/") {
		base.RawPath += "/"
	}
	return base.ResolveReference(ref), nil
}

// UpdateKind discriminates between the two kinds of catalog entries
type UpdateKind int

const (
	PackageUpdate UpdateKind = iota
	CompatUpdate
)

// String returns the XML element name of the kind
func (k UpdateKind) String() string {
	switch k {
	case PackageUpdate:
		return "PackageUpdate"
	case CompatUpdate:
		return "CompatUpdate"
	default:
		return "Unknown"
	}
}

// UpdateFileInfo is one platform specific payload of an update
type UpdateFileInfo struct {
	Arch          string
	PlatformRegex string
	FileName      string

	CompressedSize   uint64
	UncompressedSize uint64

	SHA1 []byte
}

// UpdateInfo is a single entry of a catalog
type UpdateInfo struct {
	Kind  UpdateKind
	Data  map[string]string
	Files []UpdateFileInfo
}

// Value returns a metadata value by key
func (u UpdateInfo) Value(key string) string {
	return u.Data[key]
}

// Name returns the package name
func (u UpdateInfo) Name() string {
	return u.Data["Name"]
}

// Version returns the package version
func (u UpdateInfo) Version() string {
	return u.Data["Version"]
}

// ReleaseDate returns the parsed release date, or the zero time when absent
func (u UpdateInfo) ReleaseDate() time.Time {
	t, err := ParseDate(u.Data["ReleaseDate"])
	if err != nil {
		return time.Time{}
	}
	return t
}

// CompatLevel returns the compat level a CompatUpdate moves the target to
func (u UpdateInfo) CompatLevel() (int, bool) {
	return intValue(u.Data, "CompatLevel")
}

// RequiredCompatLevel returns the compat level a PackageUpdate is built for
func (u UpdateInfo) RequiredCompatLevel() (int, bool) {
	return intValue(u.Data, "RequiredCompatLevel")
}

func intValue(data map[string]string, key string) (int, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}
