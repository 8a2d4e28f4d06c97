package catalog

import (
	"bytes"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/utils"
)

// Metadata keys written first, in this order; the rest follow sorted
var leadingKeys = []string{"Name", "Title", "Version", "ReleaseDate", "CompatLevel", "RequiredCompatLevel", "Description"}

// Write encodes the catalog as Updates.xml
func (c *Catalog) Write(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	enc.Indent("", "    ")

	root := xml.StartElement{Name: xml.Name{Local: "Updates"}}
	if err := enc.EncodeToken(root); err != nil {
		return err
	}
	if err := textElement(enc, "TargetName", c.targetName); err != nil {
		return err
	}
	if err := textElement(enc, "TargetVersion", c.targetVersion); err != nil {
		return err
	}
	if c.hasRequiredCompatLevel {
		if err := textElement(enc, "RequiredCompatLevel", strconv.Itoa(c.requiredCompatLevel)); err != nil {
			return err
		}
	}

	for _, u := range c.updates {
		if err := writeUpdate(enc, u); err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", u.Kind, u.Name(), err)
		}
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	buf.WriteString("\n")

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteFile writes the catalog to path, gzip compressing it when the name
// ends in .gz
func (c *Catalog) WriteFile(path string) error {
	var buf bytes.Buffer
	if err := c.Write(&buf); err != nil {
		return err
	}

	data := buf.Bytes()
	if strings.HasSuffix(path, ".gz") {
		var err error
		if data, err = utils.GzipCompress(data); err != nil {
			return fmt.Errorf("failed to compress catalog: %w", err)
		}
	}

	if err := utils.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	c.fileName = path
	return nil
}

func writeUpdate(enc *xml.Encoder, u models.UpdateInfo) error {
	start := xml.StartElement{Name: xml.Name{Local: u.Kind.String()}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	for _, key := range orderedKeys(u.Data) {
		if err := textElement(enc, key, u.Data[key]); err != nil {
			return err
		}
	}

	for _, f := range u.Files {
		el := xml.StartElement{Name: xml.Name{Local: "UpdateFile"}}
		if f.Arch != "" {
			el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: "Arch"}, Value: f.Arch})
		}
		if f.PlatformRegex != "" {
			el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: "platform-regex"}, Value: f.PlatformRegex})
		}
		el.Attr = append(el.Attr,
			xml.Attr{Name: xml.Name{Local: "CompressedSize"}, Value: strconv.FormatUint(f.CompressedSize, 10)},
			xml.Attr{Name: xml.Name{Local: "UncompressedSize"}, Value: strconv.FormatUint(f.UncompressedSize, 10)},
		)
		if len(f.SHA1) > 0 {
			el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: "sha1sum"}, Value: hex.EncodeToString(f.SHA1)})
		}
		if err := enc.EncodeElement(f.FileName, el); err != nil {
			return err
		}
	}

	return enc.EncodeToken(start.End())
}

func orderedKeys(data map[string]string) []string {
	seen := make(map[string]bool, len(data))
	keys := make([]string, 0, len(data))
	for _, k := range leadingKeys {
		if _, ok := data[k]; ok {
			keys = append(keys, k)
			seen[k] = true
		}
	}

	var rest []string
	for k := range data {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func textElement(enc *xml.Encoder, name, value string) error {
	return enc.EncodeElement(value, xml.StartElement{Name: xml.Name{Local: name}})
}

// NewFileInfo describes a payload file on disk for inclusion in a catalog.
// The uncompressed size is left to the caller.
func NewFileInfo(path, fileName, platformRegex, arch string) (models.UpdateFileInfo, error) {
	sums, err := utils.CalculateChecksums(path)
	if err != nil {
		return models.UpdateFileInfo{}, err
	}
	digest, err := utils.ParseSHA1(sums.SHA1)
	if err != nil {
		return models.UpdateFileInfo{}, err
	}
	return models.UpdateFileInfo{
		Arch:           arch,
		PlatformRegex:  platformRegex,
		FileName:       fileName,
		CompressedSize: uint64(sums.Size),
		SHA1:           digest,
	}, nil
}
