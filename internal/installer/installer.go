// Package installer applies downloaded updates to a target, undoing the
// operations of an update when one of them fails.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/ralt/pkgupdate/internal/archive"
	"github.com/ralt/pkgupdate/internal/models"
	"github.com/ralt/pkgupdate/internal/operations"
	"github.com/ralt/pkgupdate/internal/task"
	"github.com/ralt/pkgupdate/internal/update"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Error codes reported by the installer
const (
	EDownloadFailed task.ErrorCode = task.EUserDefined + iota
	EUnpackFailed
	EInstructionsInvalid
	EOperationFailed
	ECleanupFailed
)

// ErrAborted is returned when a failing operation aborted the install
var ErrAborted = errors.New("install aborted")

// AskUserFunc decides what to do when an operation with the AskUser policy
// fails. Returning AskUser is treated as Abort.
type AskUserFunc func(u *update.Update, op operations.Operation, err error) Action

// Installer is the task applying a list of updates in order
type Installer struct {
	*task.Task

	target   *update.Target
	registry *operations.Registry

	mu          sync.Mutex
	updates     []*update.Update
	askUser     AskUserFunc
	journalPath string
	installed   []*update.Update
	scratch     []string
}

// New creates an installer for target using the default operation registry
func New(target *update.Target) *Installer {
	in := &Installer{
		target:   target,
		registry: operations.DefaultRegistry(),
	}
	in.Task = task.New("installer", task.Stoppable, in)
	return in
}

// SetUpdates queues the updates to install, in order
func (in *Installer) SetUpdates(updates []*update.Update) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.updates = append([]*update.Update(nil), updates...)
}

func (in *Installer) Updates() []*update.Update {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]*update.Update(nil), in.updates...)
}

// Installed returns the updates that were fully applied
func (in *Installer) Installed() []*update.Update {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]*update.Update(nil), in.installed...)
}

// SetRegistry replaces the registry used to instantiate operations
func (in *Installer) SetRegistry(reg *operations.Registry) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.registry = reg
}

// SetAskUser installs the hook consulted by the AskUser policy
func (in *Installer) SetAskUser(fn AskUserFunc) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.askUser = fn
}

// SetJournalFile enables the journal of performed operations at path
func (in *Installer) SetJournalFile(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.journalPath = path
}

// DoRun downloads every update then applies them in order
func (in *Installer) DoRun(ctx context.Context, t *task.Task) (err error) {
	updates := in.Updates()

	defer func() {
		if cerr := in.finish(t); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				err = multierror.Append(err, cerr)
			}
		}
		if err == nil {
			t.ReportDone()
		}
	}()

	in.downloadAll(ctx, t, updates)
	if err := ctx.Err(); err != nil {
		return err
	}

	var failed *multierror.Error
	for i, u := range updates {
		if err := ctx.Err(); err != nil {
			return err
		}

		progress := func(done, total int) {
			step := 45 * i / len(updates)
			if total > 0 {
				step += 45 * done / (total * len(updates))
			}
			t.ReportProgress(50+step, fmt.Sprintf("Installing %s", u.Name()))
		}
		progress(0, 0)

		if err := in.install(ctx, t, u, progress); err != nil {
			if errors.Is(err, ErrAborted) || ctx.Err() != nil {
				return err
			}
			logrus.Errorf("Failed to install %s: %v", u, err)
			failed = multierror.Append(failed, fmt.Errorf("%s: %w", u.Name(), err))
			continue
		}

		in.mu.Lock()
		in.installed = append(in.installed, u)
		in.mu.Unlock()
		logrus.Infof("Installed %s", u)
	}

	if err := failed.ErrorOrNil(); err != nil {
		return err
	}
	t.ReportProgress(95, "Installed updates")
	return nil
}

func (in *Installer) DoStop() bool {
	for _, u := range in.Updates() {
		if u.IsRunning() {
			u.Stop()
		}
	}
	return true
}

func (in *Installer) DoPause() bool { return false }
func (in *Installer) DoResume() bool { return false }

// downloadAll runs the download task of every update concurrently. A failed
// download is detected later, when its update is installed.
func (in *Installer) downloadAll(ctx context.Context, t *task.Task, updates []*update.Update) {
	if len(updates) == 0 {
		return
	}

	percents := make([]int, len(updates))
	var mu sync.Mutex
	report := func(i, percent int, text string) {
		mu.Lock()
		percents[i] = percent
		sum := 0
		for _, p := range percents {
			sum += p
		}
		mu.Unlock()
		t.ReportProgress(sum/len(percents)*50/100, text)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range updates {
		i, u := i, u
		if u.IsDownloaded() {
			report(i, 100, "")
			continue
		}
		g.Go(func() error {
			unsubscribe := u.Subscribe(func(ev task.Event) {
				if ev.Kind == task.EventProgress {
					report(i, ev.Percent, ev.Text)
				}
			})
			defer unsubscribe()

			if err := u.Run(gctx); err != nil {
				logrus.Warnf("Failed to download %s: %v", u, err)
			}
			report(i, 100, "")
			return nil
		})
	}
	_ = g.Wait()
}

// install applies one update. Errors wrapping ErrAborted mean the update
// was unwound and the install must stop.
func (in *Installer) install(ctx context.Context, t *task.Task, u *update.Update, progress func(done, total int)) error {
	if !u.IsDownloaded() {
		text := fmt.Sprintf("%s was not downloaded", u.Name())
		if err := u.Err(); err != nil {
			text = fmt.Sprintf("%s: %v", text, err)
		}
		t.ReportError(EDownloadFailed, text)
		return errors.New(text)
	}

	scratch, err := in.newScratchDir()
	if err != nil {
		t.ReportError(EUnpackFailed, err.Error())
		return err
	}
	payload := filepath.Join(scratch, "payload")
	backups := filepath.Join(scratch, "backup")
	for _, dir := range []string{payload, backups} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.ReportError(EUnpackFailed, err.Error())
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := archive.Extract(ctx, u.DownloadedFileName(), payload); err != nil {
		t.ReportError(EUnpackFailed, fmt.Sprintf("Could not unpack %s: %v", u.Name(), err))
		return fmt.Errorf("failed to unpack: %w", err)
	}

	curPath, err := FindInstructions(payload)
	if err != nil {
		t.ReportError(EInstructionsInvalid, fmt.Sprintf("%s: %v", u.Name(), err))
		return err
	}
	instructions, err := ParseInstructionsFile(filepath.Join(curPath, InstructionsFileName))
	if err != nil {
		t.ReportError(EInstructionsInvalid, fmt.Sprintf("%s: %v", u.Name(), err))
		return err
	}

	r := &run{
		installer: in,
		task:      t,
		update:    u,
		env: operations.Environment{
			WorkingDirectory: curPath,
			BackupDir:        backups,
			Ledger:           in.target.Packages,
		},
	}
	r.openJournal()

	implied := u.Operations()
	total := len(instructions) + len(implied)
	replacer := Placeholders(in.target, curPath)

	for i, instr := range instructions {
		op, createErr := in.createOperation(instr.Name)
		if createErr == nil {
			op.SetArguments(instr.Expand(replacer))
		}
		if err := r.apply(ctx, op, createErr, instr.OnError); err != nil {
			return err
		}
		progress(i+1, total)
	}
	for i, op := range implied {
		if err := r.apply(ctx, op, nil, Abort); err != nil {
			return err
		}
		progress(len(instructions)+i+1, total)
	}

	r.commit()
	in.describePackage(u)
	return nil
}

func (in *Installer) createOperation(name string) (operations.Operation, error) {
	in.mu.Lock()
	reg := in.registry
	in.mu.Unlock()
	return reg.Create(name)
}

// describePackage copies the catalog metadata of a package update into
// its ledger record
func (in *Installer) describePackage(u *update.Update) {
	if u.Kind() != models.PackageUpdate {
		return
	}
	ledger := in.target.Packages
	idx := ledger.FindPackageInfo(u.PackageName())
	if idx < 0 {
		return
	}

	rec := ledger.PackageInfo(idx)
	if v := u.Data("Title"); v != "" {
		rec.Title = v
	}
	if v := u.Data("Description"); v != "" {
		rec.Description = v
	}
	if v := u.Data("Pixmap"); v != "" {
		rec.Pixmap = v
	}
	if v := u.Data("Dependencies"); v != "" {
		rec.Dependencies = nil
		for _, dep := range strings.Split(v, ",") {
			if dep = strings.TrimSpace(dep); dep != "" {
				rec.Dependencies = append(rec.Dependencies, dep)
			}
		}
	}
	if size := u.File().UncompressedSize; size > 0 {
		rec.UncompressedSize = size
	}
	ledger.SetPackageInfo(rec)
}

// ScratchPrefix starts the name of every scratch directory of an install
const ScratchPrefix = "pkgupdate-"

func (in *Installer) newScratchDir() (string, error) {
	dir := filepath.Join(in.target.TempRoot(), ScratchPrefix+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}
	in.mu.Lock()
	in.scratch = append(in.scratch, dir)
	in.mu.Unlock()
	logrus.Debugf("Created scratch directory %s", dir)
	return dir, nil
}

// ScratchDirs returns the scratch directories created by the last run
func (in *Installer) ScratchDirs() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.scratch...)
}

// finish flushes the ledger and removes every scratch directory
func (in *Installer) finish(t *task.Task) error {
	var result *multierror.Error

	if err := in.target.Packages.WriteToDisk(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to write package ledger: %w", err))
	}

	for _, dir := range in.ScratchDirs() {
		if err := os.RemoveAll(dir); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to remove %s: %w", dir, err))
			continue
		}
		logrus.Debugf("Removed scratch directory %s", dir)
	}

	if err := result.ErrorOrNil(); err != nil {
		t.ReportError(ECleanupFailed, err.Error())
		return err
	}
	return nil
}
