package operations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ralt/pkgupdate/internal/utils"
	"github.com/sirupsen/logrus"
)

// errNoBackup is returned by Undo when Backup never ran
var errNoBackup = errors.New("nothing to undo, no backup was taken")

// backupTarget records whether path exists and, if so, keeps a copy of it
// under the given key prefix
func (b *base) backupTarget(path, key string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		b.SetValue(key+"Existed", false)
		b.SetValue(key+"Backup", nil)
		b.SetValue(key+"CreatedDir", topmostMissing(filepath.Dir(path)))
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	backup, err := b.backupFile(path)
	if err != nil {
		return fmt.Errorf("failed to back up %s: %w", path, err)
	}
	b.SetValue(key+"Existed", true)
	b.SetValue(key+"Backup", backup)
	b.SetValue(key+"Mode", int(info.Mode().Perm()))
	logrus.Debugf("Backed up %s to %s", path, backup)
	return nil
}

// restoreTarget puts path back in the state recorded by backupTarget
func (b *base) restoreTarget(path, key string) error {
	if !b.HasValue(key + "Existed") {
		return errNoBackup
	}

	if !b.boolValue(key + "Existed") {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return removeCreated(filepath.Dir(path), b.stringValue(key+"CreatedDir"))
	}

	backup := b.stringValue(key + "Backup")
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	if err := utils.CopyFile(backup, path); err != nil {
		return fmt.Errorf("failed to restore %s: %w", path, err)
	}
	if mode, ok := b.Value(key + "Mode").(int); ok {
		if err := os.Chmod(path, fs.FileMode(mode)); err != nil {
			return fmt.Errorf("failed to restore mode of %s: %w", path, err)
		}
	}
	return nil
}

// topmostMissing returns the outermost directory of path that does not
// exist yet, or "" when path exists
func topmostMissing(path string) string {
	created := ""
	for p := path; !utils.Exists(p); p = filepath.Dir(p) {
		created = p
		if filepath.Dir(p) == p {
			break
		}
	}
	return created
}

// removeCreated removes the empty directories from path up to and including
// created
func removeCreated(path, created string) error {
	if created == "" {
		return nil
	}
	for p := path; ; p = filepath.Dir(p) {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
		if p == created || filepath.Dir(p) == p {
			return nil
		}
	}
}

// replaceFile copies src over dst, giving dst the mode of src
func replaceFile(src, dst string) error {
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return utils.CopyFile(src, dst)
}

// moveFile renames src to dst, copying across file systems
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := replaceFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

// CopyOperation copies a file. Arguments: source, destination. A
// destination naming an existing directory receives the file under its
// own name.
type CopyOperation struct {
	base
}

func NewCopy() *CopyOperation {
	return &CopyOperation{base: newBase(KindCopy)}
}

func (o *CopyOperation) paths() (string, string) {
	src := o.resolve(o.args[0])
	if dst := o.stringValue("destination"); dst != "" {
		return src, dst
	}
	dst := o.resolve(o.args[1])
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		dst = filepath.Join(dst, filepath.Base(src))
	}
	return src, dst
}

func (o *CopyOperation) Backup() error {
	if err := o.checkArgs(2, 2); err != nil {
		return err
	}
	_, dst := o.paths()
	o.SetValue("destination", dst)
	if err := o.backupTarget(dst, "destination"); err != nil {
		return o.fail(UserDefinedError, "%v", err)
	}
	return nil
}

func (o *CopyOperation) Perform(ctx context.Context) error {
	if err := o.checkArgs(2, 2); err != nil {
		return err
	}
	src, dst := o.paths()
	if err := requireFile(src); err != nil {
		return o.fail(UserDefinedError, "cannot copy %s: %v", src, err)
	}
	if err := replaceFile(src, dst); err != nil {
		return o.fail(UserDefinedError, "failed to copy %s to %s: %v", src, dst, err)
	}
	o.clearError()
	return nil
}

func (o *CopyOperation) Undo() error {
	if err := o.checkArgs(2, 2); err != nil {
		return err
	}
	_, dst := o.paths()
	if err := o.restoreTarget(dst, "destination"); err != nil {
		return o.fail(UserDefinedError, "%v", err)
	}
	return nil
}

func (o *CopyOperation) Test() error {
	if err := o.checkArgs(2, 2); err != nil {
		return err
	}
	src, _ := o.paths()
	if err := requireFile(src); err != nil {
		return o.fail(UserDefinedError, "cannot copy %s: %v", src, err)
	}
	return nil
}

func (o *CopyOperation) Clone() Operation {
	return &CopyOperation{base: o.cloneBase()}
}

// MoveOperation moves a file. Arguments: source, destination.
type MoveOperation struct {
	base
}

func NewMove() *MoveOperation {
	return &MoveOperation{base: newBase(KindMove)}
}

func (o *MoveOperation) paths() (string, string) {
	return o.resolve(o.args[0]), o.resolve(o.args[1])
}

func (o *MoveOperation) Backup() error {
	if err := o.checkArgs(2, 2); err != nil {
		return err
	}
	_, dst := o.paths()
	if err := o.backupTarget(dst, "destination"); err != nil {
		return o.fail(UserDefinedError, "%v", err)
	}
	return nil
}

func (o *MoveOperation) Perform(ctx context.Context) error {
	if err := o.checkArgs(2, 2); err != nil {
		return err
	}
	src, dst := o.paths()
	if err := requireFile(src); err != nil {
		return o.fail(UserDefinedError, "cannot move %s: %v", src, err)
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return o.fail(UserDefinedError, "cannot replace %s: %v", dst, err)
	}
	if err := moveFile(src, dst); err != nil {
		return o.fail(UserDefinedError, "failed to move %s to %s: %v", src, dst, err)
	}
	o.SetValue("moved", true)
	o.clearError()
	return nil
}

func (o *MoveOperation) Undo() error {
	if err := o.checkArgs(2, 2); err != nil {
		return err
	}
	src, dst := o.paths()
	if o.boolValue("moved") && !utils.Exists(src) {
		if err := moveFile(dst, src); err != nil {
			return o.fail(UserDefinedError, "failed to move %s back to %s: %v", dst, src, err)
		}
	}
	o.SetValue("moved", nil)
	if err := o.restoreTarget(dst, "destination"); err != nil {
		return o.fail(UserDefinedError, "%v", err)
	}
	return nil
}

func (o *MoveOperation) Test() error {
	if err := o.checkArgs(2, 2); err != nil {
		return err
	}
	src, _ := o.paths()
	if err := requireFile(src); err != nil {
		return o.fail(UserDefinedError, "cannot move %s: %v", src, err)
	}
	return nil
}

func (o *MoveOperation) Clone() Operation {
	return &MoveOperation{base: o.cloneBase()}
}

// DeleteOperation removes a file. Argument: path. Deleting a missing file
// succeeds.
type DeleteOperation struct {
	base
}

func NewDelete() *DeleteOperation {
	return &DeleteOperation{base: newBase(KindDelete)}
}

func (o *DeleteOperation) Backup() error {
	if err := o.checkArgs(1, 1); err != nil {
		return err
	}
	if err := o.backupTarget(o.resolve(o.args[0]), "file"); err != nil {
		return o.fail(UserDefinedError, "%v", err)
	}
	return nil
}

func (o *DeleteOperation) Perform(ctx context.Context) error {
	if err := o.checkArgs(1, 1); err != nil {
		return err
	}
	path := o.resolve(o.args[0])
	if info, err := os.Lstat(path); err == nil && info.IsDir() {
		return o.fail(UserDefinedError, "cannot delete %s: is a directory", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return o.fail(UserDefinedError, "failed to delete %s: %v", path, err)
	}
	o.clearError()
	return nil
}

func (o *DeleteOperation) Undo() error {
	if err := o.checkArgs(1, 1); err != nil {
		return err
	}
	path := o.resolve(o.args[0])
	if !o.boolValue("fileExisted") {
		if !o.HasValue("fileExisted") {
			return o.fail(UserDefinedError, "%v", errNoBackup)
		}
		return nil
	}
	if err := o.restoreTarget(path, "file"); err != nil {
		return o.fail(UserDefinedError, "%v", err)
	}
	return nil
}

func (o *DeleteOperation) Test() error {
	return o.checkArgs(1, 1)
}

func (o *DeleteOperation) Clone() Operation {
	return &DeleteOperation{base: o.cloneBase()}
}

// MkdirOperation creates a directory and its missing parents. Argument:
// path. Undo removes only what was created, and only while it is empty.
type MkdirOperation struct {
	base
}

func NewMkdir() *MkdirOperation {
	return &MkdirOperation{base: newBase(KindMkdir)}
}

func (o *MkdirOperation) Backup() error {
	if err := o.checkArgs(1, 1); err != nil {
		return err
	}
	o.SetValue("createdDir", topmostMissing(o.resolve(o.args[0])))
	return nil
}

func (o *MkdirOperation) Perform(ctx context.Context) error {
	if err := o.checkArgs(1, 1); err != nil {
		return err
	}
	path := o.resolve(o.args[0])
	if err := os.MkdirAll(path, 0755); err != nil {
		return o.fail(UserDefinedError, "failed to create %s: %v", path, err)
	}
	o.clearError()
	return nil
}

func (o *MkdirOperation) Undo() error {
	if err := o.checkArgs(1, 1); err != nil {
		return err
	}
	if !o.HasValue("createdDir") {
		return o.fail(UserDefinedError, "%v", errNoBackup)
	}
	if err := removeCreated(o.resolve(o.args[0]), o.stringValue("createdDir")); err != nil {
		return o.fail(UserDefinedError, "%v", err)
	}
	return nil
}

func (o *MkdirOperation) Test() error {
	if err := o.checkArgs(1, 1); err != nil {
		return err
	}
	path := o.resolve(o.args[0])
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return o.fail(UserDefinedError, "%s exists and is not a directory", path)
	}
	return nil
}

func (o *MkdirOperation) Clone() Operation {
	return &MkdirOperation{base: o.cloneBase()}
}

// RmdirOperation removes an empty directory. Argument: path.
type RmdirOperation struct {
	base
}

func NewRmdir() *RmdirOperation {
	return &RmdirOperation{base: newBase(KindRmdir)}
}

func (o *RmdirOperation) Backup() error {
	if err := o.checkArgs(1, 1); err != nil {
		return err
	}
	info, err := os.Stat(o.resolve(o.args[0]))
	o.SetValue("dirExisted", err == nil && info.IsDir())
	if err == nil {
		o.SetValue("dirMode", int(info.Mode().Perm()))
	}
	return nil
}

func (o *RmdirOperation) Perform(ctx context.Context) error {
	if err := o.checkArgs(1, 1); err != nil {
		return err
	}
	path := o.resolve(o.args[0])
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return o.fail(UserDefinedError, "failed to remove directory %s: %v", path, err)
	}
	o.clearError()
	return nil
}

func (o *RmdirOperation) Undo() error {
	if err := o.checkArgs(1, 1); err != nil {
		return err
	}
	if !o.HasValue("dirExisted") {
		return o.fail(UserDefinedError, "%v", errNoBackup)
	}
	if !o.boolValue("dirExisted") {
		return nil
	}
	mode := fs.FileMode(0755)
	if m, ok := o.Value("dirMode").(int); ok {
		mode = fs.FileMode(m)
	}
	path := o.resolve(o.args[0])
	if err := os.MkdirAll(path, mode); err != nil {
		return o.fail(UserDefinedError, "failed to recreate %s: %v", path, err)
	}
	return nil
}

func (o *RmdirOperation) Test() error {
	if err := o.checkArgs(1, 1); err != nil {
		return err
	}
	path := o.resolve(o.args[0])
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return o.fail(UserDefinedError, "cannot read %s: %v", path, err)
	}
	if len(entries) > 0 {
		return o.fail(UserDefinedError, "%s is not empty", path)
	}
	return nil
}

func (o *RmdirOperation) Clone() Operation {
	return &RmdirOperation{base: o.cloneBase()}
}

// textOperation is the shared implementation of AppendFile and PrependFile.
// Arguments: file, text.
type textOperation struct {
	base
	prepend bool
}

func (o *textOperation) Backup() error {
	if err := o.checkArgs(2, 2); err != nil {
		return err
	}
	if err := o.backupTarget(o.resolve(o.args[0]), "file"); err != nil {
		return o.fail(UserDefinedError, "%v", err)
	}
	return nil
}

func (o *textOperation) Perform(ctx context.Context) error {
	if err := o.checkArgs(2, 2); err != nil {
		return err
	}
	path := o.resolve(o.args[0])
	text := o.args[1]

	mode := fs.FileMode(0644)
	var existing []byte
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
		if existing, err = os.ReadFile(path); err != nil {
			return o.fail(UserDefinedError, "failed to read %s: %v", path, err)
		}
	}

	var data []byte
	if o.prepend {
		data = append([]byte(text), existing...)
	} else {
		data = append(existing, text...)
	}
	if err := utils.WriteFileAtomic(path, data, mode); err != nil {
		return o.fail(UserDefinedError, "failed to write %s: %v", path, err)
	}
	o.clearError()
	return nil
}

func (o *textOperation) Undo() error {
	if err := o.checkArgs(2, 2); err != nil {
		return err
	}
	if err := o.restoreTarget(o.resolve(o.args[0]), "file"); err != nil {
		return o.fail(UserDefinedError, "%v", err)
	}
	return nil
}

func (o *textOperation) Test() error {
	if err := o.checkArgs(2, 2); err != nil {
		return err
	}
	path := o.resolve(o.args[0])
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return o.fail(UserDefinedError, "%s is a directory", path)
	}
	return nil
}

// AppendFileOperation appends text to a file, creating it if needed
type AppendFileOperation struct {
	textOperation
}

func NewAppendFile() *AppendFileOperation {
	return &AppendFileOperation{textOperation{base: newBase(KindAppendFile)}}
}

func (o *AppendFileOperation) Clone() Operation {
	return &AppendFileOperation{textOperation{base: o.cloneBase()}}
}

// PrependFileOperation inserts text at the start of a file, creating it if
// needed
type PrependFileOperation struct {
	textOperation
}

func NewPrependFile() *PrependFileOperation {
	return &PrependFileOperation{textOperation{base: newBase(KindPrependFile), prepend: true}}
}

func (o *PrependFileOperation) Clone() Operation {
	return &PrependFileOperation{textOperation{base: o.cloneBase(), prepend: true}}
}
