package packages

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralt/pkgupdate/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(s string) time.Time {
	t, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestMissingFileIsEmptyLedger(t *testing.T) {
	info, err := Open(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	assert.True(t, info.IsValid())
	assert.Equal(t, 0, info.PackageCount())
	assert.Equal(t, -1, info.CompatLevel())
}

func TestNotYetRead(t *testing.T) {
	info := New(filepath.Join(t.TempDir(), FileName))
	assert.False(t, info.IsValid())
	assert.Equal(t, models.ErrNotYetRead, info.ErrorType())
}

func TestWriteThenRefreshRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	info := New(path)
	require.NoError(t, info.Refresh())

	info.SetTargetName("Demo")
	info.SetTargetVersion("3.2")
	info.SetCompatLevel(4)
	require.True(t, info.InstallPackage(models.PackageRecord{
		Name:             "Foo",
		Title:            "Foo plugin",
		Description:      "does foo",
		Version:          "1.0",
		Dependencies:     []string{"Bar", "Baz"},
		InstallDate:      date("2020-01-01"),
		LastUpdateDate:   date("2020-01-15"),
		UncompressedSize: 4096,
	}))
	require.True(t, info.InstallPackage(models.PackageRecord{
		Name:        "Bar",
		Version:     "2.1.3",
		InstallDate: date("2019-05-05"),
	}))
	before := info.PackageInfos()

	require.NoError(t, info.WriteToDisk())
	assert.False(t, info.IsModified())

	reread, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "Demo", reread.TargetName())
	assert.Equal(t, "3.2", reread.TargetVersion())
	assert.Equal(t, 4, reread.CompatLevel())

	after := reread.PackageInfos()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Truef(t, before[i].Equal(after[i]), "record %d: %+v != %+v", i, before[i], after[i])
	}
	assert.True(t, after[1].LastUpdateDate.Equal(date("2019-05-05")))
}

func TestUpdateAndRemove(t *testing.T) {
	info := New(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, info.Refresh())
	info.InstallPackage(models.PackageRecord{Name: "Foo", Version: "1.0", InstallDate: date("2020-01-01")})

	assert.Equal(t, 0, info.FindPackageInfo("Foo"))
	assert.Equal(t, -1, info.FindPackageInfo("Nope"))

	require.True(t, info.UpdatePackage("Foo", "1.1", date("2020-02-01")))
	rec := info.PackageInfo(0)
	assert.Equal(t, "1.1", rec.Version)
	assert.True(t, rec.LastUpdateDate.Equal(date("2020-02-01")))
	assert.True(t, rec.InstallDate.Equal(date("2020-01-01")))

	assert.False(t, info.UpdatePackage("Nope", "1", time.Now()))

	// installing a known package updates it
	require.True(t, info.InstallPackage(models.PackageRecord{Name: "Foo", Version: "1.2"}))
	assert.Equal(t, 1, info.PackageCount())
	assert.Equal(t, "1.2", info.PackageInfo(0).Version)

	require.True(t, info.RemovePackage("Foo"))
	assert.False(t, info.RemovePackage("Foo"))
	assert.Equal(t, 0, info.PackageCount())
}

func TestCloseFlushesWhenModified(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	info := New(path)
	require.NoError(t, info.Refresh())
	require.NoError(t, info.Close())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "unmodified ledger must not be written")

	info.InstallPackage(models.PackageRecord{Name: "Foo", Version: "1"})
	require.NoError(t, info.Close())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestRefreshErrors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.xml")
	require.NoError(t, os.WriteFile(bad, []byte("<Packages><Package>"), 0644))
	info := New(bad)
	err := info.Refresh()
	require.Error(t, err)
	assert.Equal(t, models.ErrInvalidXML, info.ErrorType())
	assert.False(t, info.IsValid())

	wrongRoot := filepath.Join(dir, "root.xml")
	require.NoError(t, os.WriteFile(wrongRoot, []byte("<Stuff/>"), 0644))
	info = New(wrongRoot)
	require.Error(t, info.Refresh())
	assert.Equal(t, models.ErrInvalidContent, info.ErrorType())

	badDate := filepath.Join(dir, "date.xml")
	require.NoError(t, os.WriteFile(badDate, []byte(`<Packages><Package><Name>A</Name><InstallDate>yesterday</InstallDate></Package></Packages>`), 0644))
	info = New(badDate)
	require.Error(t, info.Refresh())
	assert.Equal(t, models.ErrInvalidContent, info.ErrorType())

	unreadable := filepath.Join(dir, "dir.xml")
	require.NoError(t, os.Mkdir(unreadable, 0755))
	info = New(unreadable)
	require.Error(t, info.Refresh())
	assert.Equal(t, models.ErrCouldNotRead, info.ErrorType())
}

func TestParsesDocumentedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	doc := `<?xml version="1.0"?>
<Packages>
    <TargetName>Demo</TargetName>
    <TargetVersion>1.0</TargetVersion>
    <Package>
        <Name>Foo</Name>
        <Pixmap>foo.png</Pixmap>
        <Title>Foo</Title>
        <Description>Foo package</Description>
        <Version>1.0</Version>
        <LastUpdateDate>2020-01-01</LastUpdateDate>
        <InstallDate>2020-01-01</InstallDate>
        <Size>123</Size>
        <Dependencies>A, B</Dependencies>
    </Package>
</Packages>`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	info, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, -1, info.CompatLevel())
	rec := info.PackageInfo(0)
	assert.Equal(t, "foo.png", rec.Pixmap)
	assert.Equal(t, uint64(123), rec.UncompressedSize)
	assert.Equal(t, []string{"A", "B"}, rec.Dependencies)
}
