package operations

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/packages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snapshot captures every regular file below dir with its content
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		if info.IsDir() {
			out[rel+"/"] = ""
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func env(t *testing.T, dir string) Environment {
	return Environment{WorkingDirectory: dir, BackupDir: t.TempDir()}
}

func roundTrip(t *testing.T, op Operation, args ...string) {
	t.Helper()
	op.SetArguments(args)
	require.NoError(t, op.Backup())
	require.NoError(t, op.Perform(context.Background()))
	require.NoError(t, op.Undo())
}

func TestFileOperationsUndoRestoresTree(t *testing.T) {
	cases := []struct {
		name  string
		op    func() Operation
		args  []string
		setup map[string]string
	}{
		{"copy onto new file", func() Operation { return NewCopy() }, []string{"a.txt", "b.txt"}, map[string]string{"a.txt": "A"}},
		{"copy onto existing file", func() Operation { return NewCopy() }, []string{"a.txt", "b.txt"}, map[string]string{"a.txt": "A", "b.txt": "old B"}},
		{"copy into directory", func() Operation { return NewCopy() }, []string{"a.txt", "sub"}, map[string]string{"a.txt": "A", "sub/keep": "k"}},
		{"move to new file", func() Operation { return NewMove() }, []string{"a.txt", "moved/a.txt"}, map[string]string{"a.txt": "A"}},
		{"move over existing file", func() Operation { return NewMove() }, []string{"a.txt", "b.txt"}, map[string]string{"a.txt": "A", "b.txt": "old B"}},
		{"delete file", func() Operation { return NewDelete() }, []string{"a.txt"}, map[string]string{"a.txt": "A", "b.txt": "B"}},
		{"delete missing file", func() Operation { return NewDelete() }, []string{"nope"}, map[string]string{"a.txt": "A"}},
		{"append to file", func() Operation { return NewAppendFile() }, []string{"a.txt", "\nmore"}, map[string]string{"a.txt": "A"}},
		{"append creates file", func() Operation { return NewAppendFile() }, []string{"new.txt", "text"}, map[string]string{"a.txt": "A"}},
		{"prepend to file", func() Operation { return NewPrependFile() }, []string{"a.txt", "head\n"}, map[string]string{"a.txt": "A"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tc.setup {
				write(t, filepath.Join(dir, name), content)
			}
			before := snapshot(t, dir)

			op := tc.op()
			op.SetEnvironment(env(t, dir))
			roundTrip(t, op, tc.args...)

			assert.Equal(t, before, snapshot(t, dir))
		})
	}
}

func TestCopyPerform(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "src", "a.txt"), "payload")
	write(t, filepath.Join(dir, "dst", "a.txt"), "stale")

	op := NewCopy()
	op.SetEnvironment(env(t, dir))
	op.SetArguments([]string{"src/a.txt", "dst"})
	require.NoError(t, op.Backup())
	require.NoError(t, op.Perform(context.Background()))

	got, err := os.ReadFile(filepath.Join(dir, "dst", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.Equal(t, filepath.Join(dir, "dst", "a.txt"), op.Value("destination"))
}

func TestTextOperations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf")
	write(t, path, "middle\n")

	pre := NewPrependFile()
	pre.SetEnvironment(env(t, dir))
	pre.SetArguments([]string{"conf", "top\n"})
	require.NoError(t, pre.Backup())
	require.NoError(t, pre.Perform(context.Background()))

	app := NewAppendFile()
	app.SetEnvironment(env(t, dir))
	app.SetArguments([]string{"conf", "bottom\n"})
	require.NoError(t, app.Backup())
	require.NoError(t, app.Perform(context.Background()))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "top\nmiddle\nbottom\n", string(got))
}

func TestMkdirUndoRemovesOnlyCreated(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "existing", "keep"), "k")

	op := NewMkdir()
	op.SetEnvironment(env(t, dir))
	op.SetArguments([]string{"existing/a/b/c"})
	require.NoError(t, op.Test())
	require.NoError(t, op.Backup())
	assert.Equal(t, filepath.Join(dir, "existing", "a"), op.Value("createdDir"))

	require.NoError(t, op.Perform(context.Background()))
	assert.DirExists(t, filepath.Join(dir, "existing", "a", "b", "c"))

	require.NoError(t, op.Undo())
	assert.NoDirExists(t, filepath.Join(dir, "existing", "a"))
	assert.FileExists(t, filepath.Join(dir, "existing", "keep"))
}

func TestRmdir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "empty"), 0750))
	write(t, filepath.Join(dir, "full", "f"), "x")

	op := NewRmdir()
	op.SetEnvironment(env(t, dir))
	op.SetArguments([]string{"empty"})
	require.NoError(t, op.Test())
	roundTrip(t, op, "empty")
	assert.DirExists(t, filepath.Join(dir, "empty"))

	full := NewRmdir()
	full.SetEnvironment(env(t, dir))
	full.SetArguments([]string{"full"})
	assert.Error(t, full.Test())
	require.NoError(t, full.Backup())
	assert.Error(t, full.Perform(context.Background()))
	assert.Equal(t, UserDefinedError, full.ErrorKind())
}

func TestInvalidArguments(t *testing.T) {
	for _, k := range Kinds {
		op, err := NewKind(k)
		require.NoError(t, err)
		op.SetArguments(nil)
		op.SetEnvironment(Environment{WorkingDirectory: t.TempDir()})
		err = op.Perform(context.Background())
		require.Errorf(t, err, "%s accepted no arguments", k)
		assert.Equalf(t, InvalidArguments, op.ErrorKind(), "%s", k)
		assert.NotEmpty(t, op.ErrorString())
	}
}

func TestUndoWithoutBackupFails(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "a"), "A")
	op := NewCopy()
	op.SetEnvironment(env(t, dir))
	op.SetArguments([]string{"a", "b"})
	assert.Error(t, op.Undo())
}

func newLedger(t *testing.T) *packages.Info {
	t.Helper()
	l, err := packages.Open(filepath.Join(t.TempDir(), packages.FileName))
	require.NoError(t, err)
	return l
}

func date(s string) time.Time {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestUpdatePackageOperation(t *testing.T) {
	ledger := newLedger(t)
	ledger.InstallPackage(models.PackageRecord{Name: "Foo", Version: "1.0", InstallDate: date("2020-01-01")})
	before := ledger.PackageInfos()

	op := NewUpdatePackage()
	op.SetEnvironment(Environment{Ledger: ledger})
	op.SetArguments([]string{"Foo", "1.1", "2020-02-01"})
	require.NoError(t, op.Test())
	require.NoError(t, op.Backup())
	require.NoError(t, op.Perform(context.Background()))

	rec := ledger.PackageInfo(ledger.FindPackageInfo("Foo"))
	assert.Equal(t, "1.1", rec.Version)
	assert.True(t, rec.LastUpdateDate.Equal(date("2020-02-01")))

	require.NoError(t, op.Undo())
	assert.Equal(t, before, ledger.PackageInfos())
}

func TestUpdatePackageInstallsMissing(t *testing.T) {
	ledger := newLedger(t)
	op := NewUpdatePackage()
	op.SetEnvironment(Environment{Ledger: ledger})
	roundTripCheck := func() {
		require.NoError(t, op.Backup())
		require.NoError(t, op.Perform(context.Background()))
		assert.Equal(t, 0, ledger.FindPackageInfo("Bar"))
		require.NoError(t, op.Undo())
		assert.Equal(t, -1, ledger.FindPackageInfo("Bar"))
	}
	op.SetArguments([]string{"Bar", "2.0"})
	roundTripCheck()

	noLedger := NewUpdatePackage()
	noLedger.SetArguments([]string{"Bar", "2.0"})
	assert.Error(t, noLedger.Test())
}

func TestUpdateCompatLevelOperation(t *testing.T) {
	ledger := newLedger(t)
	ledger.SetCompatLevel(2)

	op := NewUpdateCompatLevel()
	op.SetEnvironment(Environment{Ledger: ledger})
	op.SetArguments([]string{"3"})
	require.NoError(t, op.Backup())
	require.NoError(t, op.Perform(context.Background()))
	assert.Equal(t, 3, ledger.CompatLevel())
	require.NoError(t, op.Undo())
	assert.Equal(t, 2, ledger.CompatLevel())

	bad := NewUpdateCompatLevel()
	bad.SetArguments([]string{"three"})
	assert.Error(t, bad.Test())
	assert.Equal(t, InvalidArguments, bad.ErrorKind())
}

func TestXMLRoundTrip(t *testing.T) {
	for _, k := range Kinds {
		t.Run(k.String(), func(t *testing.T) {
			op, err := NewKind(k)
			require.NoError(t, err)
			op.SetArguments([]string{"plain", "with <markup> & \"quotes\"", "ctrl\x01\r\n", ""})
			op.SetValue("s", "text")
			op.SetValue("binary", "\x00\xff")
			op.SetValue("n", 42)
			op.SetValue("b", true)
			op.SetValue("when", date("2020-02-01"))
			op.SetValue("raw", []byte{0, 1, 2, 250})
			op.SetValue("list", []string{"a", "b\x02", ""})

			data, err := op.ToXML()
			require.NoError(t, err)

			fresh, err := DefaultRegistry().Create(k.String())
			require.NoError(t, err)
			require.NoError(t, fresh.FromXML(data))

			assert.Equal(t, op.Arguments(), fresh.Arguments())
			assert.Equal(t, op.Values(), fresh.Values())
		})
	}
}

func TestFromXMLRejectsOtherOperation(t *testing.T) {
	op := NewCopy()
	op.SetArguments([]string{"a", "b"})
	data, err := op.ToXML()
	require.NoError(t, err)
	assert.Error(t, NewMove().FromXML(data))
}

func TestToXMLRejectsUnsupportedValue(t *testing.T) {
	op := NewDelete()
	op.SetValue("bad", 1.5)
	_, err := op.ToXML()
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	op := NewCopy()
	op.SetArguments([]string{"a", "b"})
	op.SetValue("list", []string{"x"})

	c := op.Clone()
	op.SetArguments([]string{"c", "d"})
	op.Value("list").([]string)[0] = "changed"

	assert.Equal(t, []string{"a", "b"}, c.Arguments())
	assert.Equal(t, []string{"x"}, c.Value("list"))
	assert.Equal(t, KindCopy, c.Kind())
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()
	assert.Len(t, reg.Names(), len(Kinds))
	for _, k := range Kinds {
		op, err := reg.Create(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, op.Kind())
		assert.Equal(t, k.String(), op.Name())
	}

	_, err := reg.Create("Format")
	assert.Error(t, err)
	_, err = NewKind(KindCustom)
	assert.Error(t, err)

	custom := NewRegistry()
	custom.Register("Touch", func() Operation { return NewAppendFile() })
	assert.True(t, custom.Has("Touch"))
	assert.Equal(t, []string{"Touch"}, custom.Names())
}

func TestExecute(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()

	op := NewExecute()
	op.SetEnvironment(env(t, dir))
	op.SetArguments([]string{"sh", "-c", "echo done > out.txt", UndoMarker, "rm", "out.txt"})
	require.NoError(t, op.Test())
	require.NoError(t, op.Backup())
	require.NoError(t, op.Perform(context.Background()))
	assert.FileExists(t, filepath.Join(dir, "out.txt"), "runs in the working directory")
	assert.Equal(t, 0, op.Value("exitCode"))

	require.NoError(t, op.Undo())
	assert.NoFileExists(t, filepath.Join(dir, "out.txt"))
}

func TestExecuteFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	op := NewExecute()
	op.SetEnvironment(env(t, t.TempDir()))
	op.SetArguments([]string{"sh", "-c", "echo broken; exit 3"})
	err := op.Perform(context.Background())
	require.Error(t, err)
	assert.Contains(t, op.ErrorString(), "code 3")
	assert.Contains(t, op.ErrorString(), "broken")
	assert.Equal(t, 3, op.Value("exitCode"))

	missing := NewExecute()
	missing.SetArguments([]string{"definitely-not-a-real-binary-name"})
	assert.Error(t, missing.Test())

	undoOnly := NewExecute()
	undoOnly.SetArguments([]string{"true", UndoMarker})
	assert.Error(t, undoOnly.Backup())
	assert.Equal(t, InvalidArguments, undoOnly.ErrorKind())
}

func TestExecuteCancel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	op := NewExecute()
	op.SetEnvironment(env(t, t.TempDir()))
	op.SetArguments([]string{"sleep", "30"})

	done := make(chan error, 1)
	go func() { done <- op.Perform(context.Background()) }()

	time.Sleep(200 * time.Millisecond)
	op.Cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, op.ErrorString(), "canceled")
	case <-time.After(5 * time.Second):
		t.Fatal("SIGTERM did not stop the command")
	}
}

func TestExecuteDetached(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	op := NewExecute()
	op.SetEnvironment(env(t, t.TempDir()))
	op.SetArguments([]string{"sleep", "30", DetachedMarker})

	start := time.Now()
	require.NoError(t, op.Perform(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, op.HasValue("pid"))
	op.Cancel()
}

func TestJournalRollback(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "app.conf"), "v1")
	write(t, filepath.Join(dir, "payload", "app.conf"), "v2")
	ledger := newLedger(t)
	ledger.InstallPackage(models.PackageRecord{Name: "Foo", Version: "1.0", InstallDate: date("2020-01-01")})
	beforeFiles := snapshot(t, dir)
	beforeLedger := ledger.PackageInfos()

	e := Environment{WorkingDirectory: dir, BackupDir: t.TempDir(), Ledger: ledger}
	journal := &Journal{ID: "run-1", Update: "Foo", WorkingDirectory: e.WorkingDirectory, BackupDir: e.BackupDir}
	path := filepath.Join(t.TempDir(), "journal.xml")

	steps := []struct {
		op   Operation
		args []string
	}{
		{NewMkdir(), []string{"plugins/foo"}},
		{NewCopy(), []string{"payload/app.conf", "app.conf"}},
		{NewUpdatePackage(), []string{"Foo", "1.1", "2020-02-01"}},
	}
	for _, s := range steps {
		s.op.SetEnvironment(e)
		s.op.SetArguments(s.args)
		require.NoError(t, s.op.Backup())
		require.NoError(t, s.op.Perform(context.Background()))
		journal.Add(s.op)
		require.NoError(t, journal.WriteFile(path))
	}

	// a later process picks the journal up
	loaded, err := ReadJournal(path, DefaultRegistry())
	require.NoError(t, err)
	assert.Equal(t, "Foo", loaded.Update)
	assert.Equal(t, "run-1", loaded.ID)
	require.Len(t, loaded.Operations, 3)

	require.NoError(t, loaded.Rollback(ledger))
	assert.Equal(t, beforeFiles, snapshot(t, dir))
	assert.Equal(t, beforeLedger, ledger.PackageInfos())
}

func TestJournalRollbackAggregatesErrors(t *testing.T) {
	j := &Journal{}
	a := NewCopy()
	a.SetArguments([]string{"a"})
	b := NewUpdateCompatLevel()
	b.SetArguments([]string{"1"})
	j.Add(a)
	j.Add(b)

	err := j.Rollback(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors")
}
