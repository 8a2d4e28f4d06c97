// Package operations implements the reversible primitives an update is made
// of. Every operation follows the same contract, always called in this
// order: Backup captures what Undo needs, Perform mutates, Undo reverses
// using only the captured state. Test is a cheap dry run.
package operations

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/utils"
)

// ErrorKind classifies the failure of an operation
type ErrorKind int

const (
	NoError          ErrorKind = 0
	InvalidArguments ErrorKind = 1
	UserDefinedError ErrorKind = 128
)

func (k ErrorKind) String() string {
	switch k {
	case NoError:
		return "no error"
	case InvalidArguments:
		return "invalid arguments"
	case UserDefinedError:
		return "operation failed"
	default:
		return fmt.Sprintf("error %d", int(k))
	}
}

// Error is returned by a failing operation step
type Error struct {
	Op   string
	Kind ErrorKind
	Text string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Text)
}

// Ledger is the package bookkeeping the metadata operations mutate
type Ledger interface {
	FindPackageInfo(name string) int
	PackageInfo(index int) models.PackageRecord
	InstallPackage(rec models.PackageRecord) bool
	UpdatePackage(name, version string, date time.Time) bool
	SetPackageInfo(rec models.PackageRecord) bool
	RemovePackage(name string) bool
	CompatLevel() int
	SetCompatLevel(level int)
}

// Environment is what operations resolve against. Relative paths are
// resolved against WorkingDirectory; the process working directory is
// never consulted.
type Environment struct {
	WorkingDirectory string

	// BackupDir receives copies of files about to be changed. The system
	// temp directory is used when empty.
	BackupDir string

	Ledger Ledger
}

// Operation is one reversible mutation
type Operation interface {
	Name() string
	Kind() Kind

	Arguments() []string
	SetArguments(args []string)

	Value(name string) interface{}
	SetValue(name string, v interface{})
	HasValue(name string) bool
	Values() map[string]interface{}

	Environment() Environment
	SetEnvironment(env Environment)

	Backup() error
	Perform(ctx context.Context) error
	Undo() error
	Test() error

	Clone() Operation

	ErrorKind() ErrorKind
	ErrorString() string

	ToXML() ([]byte, error)
	FromXML(data []byte) error
}

// base carries the state shared by every operation
type base struct {
	kind   Kind
	args   []string
	values map[string]interface{}
	env    Environment

	errKind ErrorKind
	errText string
}

func newBase(kind Kind) base {
	return base{kind: kind, values: make(map[string]interface{})}
}

func (b *base) Name() string { return b.kind.String() }
func (b *base) Kind() Kind { return b.kind }

func (b *base) Arguments() []string {
	return append([]string(nil), b.args...)
}

func (b *base) SetArguments(args []string) {
	b.args = append([]string(nil), args...)
}

func (b *base) Value(name string) interface{} {
	return b.values[name]
}

func (b *base) SetValue(name string, v interface{}) {
	if v == nil {
		delete(b.values, name)
		return
	}
	b.values[name] = v
}

func (b *base) HasValue(name string) bool {
	_, ok := b.values[name]
	return ok
}

func (b *base) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(b.values))
	for k, v := range b.values {
		out[k] = copyValue(v)
	}
	return out
}

// ValueNames returns the captured value names in sorted order
func (b *base) ValueNames() []string {
	names := make([]string, 0, len(b.values))
	for k := range b.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (b *base) Environment() Environment { return b.env }
func (b *base) SetEnvironment(e Environment) { b.env = e }

func (b *base) ErrorKind() ErrorKind { return b.errKind }
func (b *base) ErrorString() string { return b.errText }

func (b *base) stringValue(name string) string {
	s, _ := b.values[name].(string)
	return s
}

func (b *base) boolValue(name string) bool {
	v, _ := b.values[name].(bool)
	return v
}

// fail records the error on the operation and returns it
func (b *base) fail(kind ErrorKind, format string, args ...interface{}) error {
	b.errKind = kind
	b.errText = fmt.Sprintf(format, args...)
	return &Error{Op: b.Name(), Kind: kind, Text: b.errText}
}

func (b *base) clearError() {
	b.errKind = NoError
	b.errText = ""
}

// checkArgs validates the argument count; max < 0 means unbounded
func (b *base) checkArgs(min, max int) error {
	n := len(b.args)
	if n < min || (max >= 0 && n > max) {
		if min == max {
			return b.fail(InvalidArguments, "invalid arguments: %d arguments given, exactly %d expected", n, min)
		}
		return b.fail(InvalidArguments, "invalid arguments: %d arguments given, %d to %d expected", n, min, max)
	}
	return nil
}

// resolve makes p absolute against the working directory
func (b *base) resolve(p string) string {
	if filepath.IsAbs(p) || b.env.WorkingDirectory == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(b.env.WorkingDirectory, p)
}

func (b *base) cloneBase() base {
	return base{
		kind:    b.kind,
		args:    b.Arguments(),
		values:  b.Values(),
		env:     b.env,
		errKind: b.errKind,
		errText: b.errText,
	}
}

// backupFile copies path into the backup directory and returns the copy
func (b *base) backupFile(path string) (string, error) {
	f, err := os.CreateTemp(b.env.BackupDir, "backup-*-"+filepath.Base(path))
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()

	if err := utils.CopyFile(path, name); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case []byte:
		return append([]byte(nil), t...)
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
