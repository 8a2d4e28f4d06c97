package catalog

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `<?xml version="1.0"?>
<Updates>
    <TargetName>Demo, Other</TargetName>
    <TargetVersion>2.*</TargetVersion>
    <RequiredCompatLevel>3</RequiredCompatLevel>
    <PackageUpdate>
        <Name>Foo</Name>
        <Version>1.1</Version>
        <ReleaseDate>2020-02-01</ReleaseDate>
        <Description>Foo plugin</Description>
        <UpdateFile Arch="x86_64" platform-regex="Linux" CompressedSize="10" UncompressedSize="20" sha1sum="da39a3ee5e6b4b0d3255bfef95601890afd80709">foo-1.1.tar.gz</UpdateFile>
        <UpdateFile OS="Windows.*" compressed-size="11" uncompressed-size="21">foo-1.1.zip</UpdateFile>
    </PackageUpdate>
    <PackageUpdate>
        <Name>Bar</Name>
        <Version>2.0</Version>
        <ReleaseDate>2020-03-01</ReleaseDate>
        <RequiredCompatLevel>4</RequiredCompatLevel>
        <UpdateFile platform-regex=".*">bar.tar.gz</UpdateFile>
    </PackageUpdate>
    <CompatUpdate>
        <CompatLevel>4</CompatLevel>
        <ReleaseDate>2020-04-01</ReleaseDate>
        <UpdateFile platform-regex=".*">compat4.tar.gz</UpdateFile>
    </CompatUpdate>
</Updates>`

func TestParse(t *testing.T) {
	c, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.True(t, c.IsValid())

	assert.Equal(t, "Demo, Other", c.TargetName())
	assert.Equal(t, "2.*", c.TargetVersion())
	level, ok := c.RequiredCompatLevel()
	assert.True(t, ok)
	assert.Equal(t, 3, level)

	updates := c.Updates()
	require.Len(t, updates, 3)

	foo := updates[0]
	assert.Equal(t, models.PackageUpdate, foo.Kind)
	assert.Equal(t, "Foo", foo.Name())
	assert.Equal(t, "Foo plugin", foo.Value("Description"))
	req, _ := foo.RequiredCompatLevel()
	assert.Equal(t, 3, req, "inherits the catalog level")

	require.Len(t, foo.Files, 2)
	assert.NotContains(t, foo.Data, "UpdateFile")
	assert.Equal(t, "x86_64", foo.Files[0].Arch)
	assert.Equal(t, "Linux", foo.Files[0].PlatformRegex)
	assert.Equal(t, uint64(10), foo.Files[0].CompressedSize)
	assert.Equal(t, uint64(20), foo.Files[0].UncompressedSize)
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", hex.EncodeToString(foo.Files[0].SHA1))
	assert.Equal(t, "foo-1.1.tar.gz", foo.Files[0].FileName)
	assert.Equal(t, "Windows.*", foo.Files[1].PlatformRegex)
	assert.Equal(t, uint64(11), foo.Files[1].CompressedSize)
	assert.Empty(t, foo.Files[1].SHA1)

	bar := updates[1]
	req, _ = bar.RequiredCompatLevel()
	assert.Equal(t, 4, req)
}

func TestUpdatesInfoFilters(t *testing.T) {
	c, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Len(t, c.UpdatesInfo(models.PackageUpdate, -1), 2)
	assert.Len(t, c.UpdatesInfo(models.CompatUpdate, -1), 1)

	atThree := c.UpdatesInfo(models.PackageUpdate, 3)
	require.Len(t, atThree, 1)
	assert.Equal(t, "Foo", atThree[0].Name())

	assert.Len(t, c.UpdatesInfo(models.CompatUpdate, 4), 1)
	assert.Empty(t, c.UpdatesInfo(models.CompatUpdate, 5))
}

func TestRequiredCompatLevelDefaultsToZero(t *testing.T) {
	c, err := Parse(strings.NewReader(`<Updates>
        <PackageUpdate><Name>A</Name><Version>1</Version><ReleaseDate>2021-01-01</ReleaseDate>
        <UpdateFile>a.zip</UpdateFile></PackageUpdate></Updates>`))
	require.NoError(t, err)
	assert.Len(t, c.UpdatesInfo(models.PackageUpdate, 0), 1)
}

func TestInvalidEntryFailsWholeDocument(t *testing.T) {
	cases := map[string]string{
		"missing version": `<Updates><PackageUpdate><Name>A</Name><ReleaseDate>2021-01-01</ReleaseDate><UpdateFile>a</UpdateFile></PackageUpdate></Updates>`,
		"no files":        `<Updates><PackageUpdate><Name>A</Name><Version>1</Version><ReleaseDate>2021-01-01</ReleaseDate></PackageUpdate></Updates>`,
		"bad compat":      `<Updates><CompatUpdate><CompatLevel>two</CompatLevel><ReleaseDate>2021-01-01</ReleaseDate><UpdateFile>a</UpdateFile></CompatUpdate></Updates>`,
		"bad date":        `<Updates><CompatUpdate><CompatLevel>2</CompatLevel><ReleaseDate>soon</ReleaseDate><UpdateFile>a</UpdateFile></CompatUpdate></Updates>`,
		"bad size":        `<Updates><CompatUpdate><CompatLevel>2</CompatLevel><ReleaseDate>2021-01-01</ReleaseDate><UpdateFile CompressedSize="-1">a</UpdateFile></CompatUpdate></Updates>`,
		"wrong root":      `<Catalog/>`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := Parse(strings.NewReader(doc))
			require.Error(t, err)
			assert.Equal(t, models.ErrInvalidContent, c.ErrorType())
			assert.Empty(t, c.Updates())
			assert.NotEmpty(t, c.ErrorString())
		})
	}

	c, err := Parse(strings.NewReader("<Updates>"))
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidXML, c.ErrorType())

	c, err = ParseFile(filepath.Join(t.TempDir(), "missing.xml"))
	require.Error(t, err)
	assert.Equal(t, models.ErrCouldNotRead, c.ErrorType())
}

func TestParseGzipped(t *testing.T) {
	data, err := utils.GzipCompress([]byte(sample))
	require.NoError(t, err)
	c, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Len(t, c.Updates(), 3)
}

func TestWriteAndReparse(t *testing.T) {
	orig, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	for _, name := range []string{"Updates.xml", "Updates.xml.gz"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, orig.WriteFile(path))

		again, err := ParseFile(path)
		require.NoError(t, err)
		assert.Equal(t, orig.TargetName(), again.TargetName())
		assert.Equal(t, orig.TargetVersion(), again.TargetVersion())
		assert.Equal(t, orig.Updates(), again.Updates())
	}
}

func TestAddUpdate(t *testing.T) {
	c := New("Demo", "{AnyApplication}")
	payload := filepath.Join(t.TempDir(), "foo.tar.gz")
	require.NoError(t, os.WriteFile(payload, []byte("payload"), 0644))

	file, err := NewFileInfo(payload, "foo.tar.gz", "Linux", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), file.CompressedSize)
	assert.Len(t, file.SHA1, 20)

	info := models.UpdateInfo{
		Kind:  models.PackageUpdate,
		Data:  map[string]string{"Name": "Foo", "Version": "1.0", "ReleaseDate": "2020-01-01"},
		Files: []models.UpdateFileInfo{file},
	}
	require.NoError(t, c.AddUpdate(info))

	info.Data = map[string]string{"Name": "Foo", "Version": "1.0", "ReleaseDate": "2020-01-02"}
	require.NoError(t, c.AddUpdate(info))
	require.Len(t, c.Updates(), 1)
	assert.Equal(t, "2020-01-02", c.Updates()[0].Value("ReleaseDate"))

	assert.Error(t, c.AddUpdate(models.UpdateInfo{Kind: models.PackageUpdate, Data: map[string]string{"Name": "X"}}))
}
