// Package catalog reads and writes Updates.xml documents, the catalogs a
// source publishes to describe available package and compat updates.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/utils"
	"github.com/sirupsen/logrus"
)

// FileName is the catalog name looked up under every source URL
const FileName = "Updates.xml"

// Catalog is one parsed Updates.xml
type Catalog struct {
	fileName string

	targetName    string
	targetVersion string

	requiredCompatLevel    int
	hasRequiredCompatLevel bool

	updates []models.UpdateInfo

	errType models.ErrorType
	errText string
}

// New returns an empty, valid catalog for authoring
func New(targetName, targetVersion string) *Catalog {
	return &Catalog{
		targetName:    targetName,
		targetVersion: targetVersion,
		errType:       models.ErrNone,
	}
}

// ParseFile reads the catalog at path. The returned catalog is never nil and
// carries the sticky error when parsing fails.
func ParseFile(path string) (*Catalog, error) {
	c := &Catalog{fileName: path}

	f, err := os.Open(path)
	if err != nil {
		return c, c.fail(models.ErrCouldNotRead, fmt.Sprintf("Could not read %s: %v", path, err))
	}
	defer f.Close()

	return c, c.parse(f)
}

// Parse reads a catalog from r
func Parse(r io.Reader) (*Catalog, error) {
	c := &Catalog{}
	return c, c.parse(r)
}

func (c *Catalog) parse(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return c.fail(models.ErrCouldNotRead, fmt.Sprintf("Could not read catalog: %v", err))
	}
	data, err = utils.MaybeGzipDecompress(data)
	if err != nil {
		return c.fail(models.ErrCouldNotRead, fmt.Sprintf("Could not decompress catalog: %v", err))
	}

	root, err := utils.ParseXMLNode(data)
	if err != nil {
		return c.fail(models.ErrInvalidXML, fmt.Sprintf("Parse error: %v", err))
	}
	if root.Name() != "Updates" {
		return c.fail(models.ErrInvalidContent, fmt.Sprintf("Root element %q unexpected, should be \"Updates\"", root.Name()))
	}

	c.targetName = root.ChildText("TargetName")
	c.targetVersion = root.ChildText("TargetVersion")
	if n := root.Child("RequiredCompatLevel"); n != nil {
		level, err := strconv.Atoi(n.Text())
		if err != nil {
			return c.fail(models.ErrInvalidContent, fmt.Sprintf("Invalid RequiredCompatLevel %q", n.Text()))
		}
		c.requiredCompatLevel = level
		c.hasRequiredCompatLevel = true
	}

	for i := range root.Nodes {
		node := &root.Nodes[i]
		var kind models.UpdateKind
		switch node.Name() {
		case "PackageUpdate":
			kind = models.PackageUpdate
		case "CompatUpdate":
			kind = models.CompatUpdate
		default:
			continue
		}

		info, err := parseUpdate(kind, node)
		if err != nil {
			return c.fail(models.ErrInvalidContent, err.Error())
		}
		if kind == models.PackageUpdate {
			if _, ok := info.RequiredCompatLevel(); !ok {
				info.Data["RequiredCompatLevel"] = strconv.Itoa(c.defaultCompatLevel())
			}
		}
		c.updates = append(c.updates, info)
	}

	c.errType = models.ErrNone
	c.errText = ""
	logrus.Debugf("Parsed catalog for %q with %d updates", c.targetName, len(c.updates))
	return nil
}

func (c *Catalog) defaultCompatLevel() int {
	if c.hasRequiredCompatLevel {
		return c.requiredCompatLevel
	}
	return 0
}

func parseUpdate(kind models.UpdateKind, node *utils.XMLNode) (models.UpdateInfo, error) {
	info := models.UpdateInfo{Kind: kind, Data: make(map[string]string)}

	for i := range node.Nodes {
		if child := &node.Nodes[i]; child.Name() != "UpdateFile" {
			info.Data[child.Name()] = child.Text()
		}
	}
	for _, child := range node.Children("UpdateFile") {
		file, err := parseUpdateFile(child)
		if err != nil {
			return info, fmt.Errorf("%s: %w", kind, err)
		}
		info.Files = append(info.Files, file)
	}

	if err := Validate(info); err != nil {
		return info, err
	}
	return info, nil
}

func parseUpdateFile(node *utils.XMLNode) (models.UpdateFileInfo, error) {
	file := models.UpdateFileInfo{FileName: node.Text()}
	if file.FileName == "" {
		file.FileName, _ = node.Attr("FileName")
	}
	if file.FileName == "" {
		return file, errors.New("UpdateFile without file name")
	}

	file.Arch, _ = node.Attr("Arch")
	file.PlatformRegex, _ = node.Attr("platform-regex", "OS")

	var err error
	if v, ok := node.Attr("CompressedSize", "compressed-size"); ok {
		if file.CompressedSize, err = strconv.ParseUint(strings.TrimSpace(v), 10, 64); err != nil {
			return file, fmt.Errorf("invalid compressed size %q for %s", v, file.FileName)
		}
	}
	if v, ok := node.Attr("UncompressedSize", "uncompressed-size"); ok {
		if file.UncompressedSize, err = strconv.ParseUint(strings.TrimSpace(v), 10, 64); err != nil {
			return file, fmt.Errorf("invalid uncompressed size %q for %s", v, file.FileName)
		}
	}
	if v, ok := node.Attr("sha1sum"); ok {
		if file.SHA1, err = utils.ParseSHA1(v); err != nil {
			return file, fmt.Errorf("invalid sha1sum for %s: %w", file.FileName, err)
		}
	}
	return file, nil
}

// Validate checks that an update carries the metadata its kind requires
func Validate(info models.UpdateInfo) error {
	var required []string
	switch info.Kind {
	case models.PackageUpdate:
		required = []string{"Name", "Version", "ReleaseDate"}
	case models.CompatUpdate:
		required = []string{"CompatLevel", "ReleaseDate"}
	default:
		return fmt.Errorf("unknown update kind %d", info.Kind)
	}

	for _, key := range required {
		if strings.TrimSpace(info.Data[key]) == "" {
			return fmt.Errorf("%s without %s", info.Kind, key)
		}
	}
	if _, err := models.ParseDate(info.Data["ReleaseDate"]); err != nil {
		return fmt.Errorf("%s has invalid ReleaseDate %q", info.Kind, info.Data["ReleaseDate"])
	}
	if info.Kind == models.CompatUpdate {
		if _, ok := info.CompatLevel(); !ok {
			return fmt.Errorf("CompatUpdate has invalid CompatLevel %q", info.Data["CompatLevel"])
		}
	}
	if len(info.Files) == 0 {
		return fmt.Errorf("%s %s has no UpdateFile", info.Kind, info.Name())
	}
	return nil
}

func (c *Catalog) fail(t models.ErrorType, text string) error {
	c.errType = t
	c.errText = text
	c.updates = nil
	subject := c.fileName
	if subject == "" {
		subject = FileName
	}
	return &models.UpdateError{Type: t, Subject: subject, Err: errors.New(text)}
}

// FileName returns the file the catalog was read from, if any
func (c *Catalog) FileName() string { return c.fileName }

func (c *Catalog) IsValid() bool { return c.errType == models.ErrNone }
func (c *Catalog) ErrorType() models.ErrorType { return c.errType }
func (c *Catalog) ErrorString() string { return c.errText }
func (c *Catalog) TargetName() string { return c.targetName }
func (c *Catalog) TargetVersion() string { return c.targetVersion }
func (c *Catalog) Updates() []models.UpdateInfo { return append([]models.UpdateInfo(nil), c.updates...) }

// RequiredCompatLevel returns the catalog wide compat level, if declared
func (c *Catalog) RequiredCompatLevel() (int, bool) {
	return c.requiredCompatLevel, c.hasRequiredCompatLevel
}

// SetRequiredCompatLevel declares the catalog wide compat level
func (c *Catalog) SetRequiredCompatLevel(level int) {
	c.requiredCompatLevel = level
	c.hasRequiredCompatLevel = true
}

// UpdatesInfo returns the updates of the given kind. A compatLevel of -1
// disables filtering; otherwise CompatUpdates must move to exactly that
// level and PackageUpdates must require exactly that level.
func (c *Catalog) UpdatesInfo(kind models.UpdateKind, compatLevel int) []models.UpdateInfo {
	var out []models.UpdateInfo
	for _, u := range c.updates {
		if u.Kind != kind {
			continue
		}
		if compatLevel >= 0 {
			var level int
			var ok bool
			if kind == models.CompatUpdate {
				level, ok = u.CompatLevel()
			} else {
				level, ok = u.RequiredCompatLevel()
			}
			if !ok || level != compatLevel {
				continue
			}
		}
		out = append(out, u)
	}
	return out
}

// AddUpdate appends an update. A package update with the same name and
// version replaces the existing entry.
func (c *Catalog) AddUpdate(info models.UpdateInfo) error {
	if err := Validate(info); err != nil {
		return err
	}
	for i, u := range c.updates {
		if u.Kind != info.Kind {
			continue
		}
		same := false
		if info.Kind == models.PackageUpdate {
			same = u.Name() == info.Name() && u.Version() == info.Version()
		} else {
			same = u.Value("CompatLevel") == info.Value("CompatLevel")
		}
		if same {
			c.updates[i] = info
			return nil
		}
	}
	c.updates = append(c.updates, info)
	return nil
}
