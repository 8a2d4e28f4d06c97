package installer

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/ralt/pkgupdate/internal/operations"
	"github.com/ralt/pkgupdate/internal/task"
	"github.com/ralt/pkgupdate/internal/update"
	"github.com/sirupsen/logrus"
)

// run holds the undo stack of the update being installed
type run struct {
	installer *Installer
	task      *task.Task
	update    *update.Update
	env       operations.Environment

	performed []operations.Operation

	journal     *operations.Journal
	journalPath string
}

func (r *run) openJournal() {
	r.installer.mu.Lock()
	path := r.installer.journalPath
	r.installer.mu.Unlock()
	if path == "" {
		return
	}
	r.journalPath = path
	r.journal = &operations.Journal{
		ID:               uuid.NewString(),
		Update:           r.update.Name(),
		WorkingDirectory: r.env.WorkingDirectory,
		BackupDir:        r.env.BackupDir,
	}
}

// apply performs op and applies policy when it fails. createErr is set when
// the operation could not be instantiated. A returned error ends the update.
func (r *run) apply(ctx context.Context, op operations.Operation, createErr error, policy Action) error {
	if err := ctx.Err(); err != nil {
		r.unwind()
		return err
	}

	err := createErr
	if err == nil {
		op.SetEnvironment(r.env)
		err = r.perform(ctx, op)
	}
	if err == nil {
		r.performed = append(r.performed, op)
		r.record(op)
		return nil
	}

	r.task.ReportError(EOperationFailed, fmt.Sprintf("%s: %v", r.update.Name(), err))
	if ctx.Err() != nil {
		r.unwind()
		return ctx.Err()
	}

	if r.decide(policy, op, err) == Continue {
		logrus.Warnf("Ignoring failed operation of %s: %v", r.update.Name(), err)
		return nil
	}

	logrus.Errorf("Aborting %s: %v", r.update.Name(), err)
	r.unwind()
	return fmt.Errorf("%w: %s: %v", ErrAborted, r.update.Name(), err)
}

// perform runs Backup then Perform. A failed Perform is undone at once.
func (r *run) perform(ctx context.Context, op operations.Operation) error {
	if err := op.Backup(); err != nil {
		logrus.Warnf("Failed to back up %s %v: %v", op.Name(), op.Arguments(), err)
		r.task.ReportError(EOperationFailed, fmt.Sprintf("%s: backup of %s failed: %v", r.update.Name(), op.Name(), err))
	}

	logrus.Debugf("Performing %s %v", op.Name(), op.Arguments())
	if err := op.Perform(ctx); err != nil {
		if uerr := op.Undo(); uerr != nil {
			logrus.Warnf("Failed to undo %s %v: %v", op.Name(), op.Arguments(), uerr)
		}
		return err
	}
	return nil
}

func (r *run) decide(policy Action, op operations.Operation, err error) Action {
	if policy != AskUser {
		return policy
	}
	r.installer.mu.Lock()
	ask := r.installer.askUser
	r.installer.mu.Unlock()
	if ask == nil || op == nil {
		return Abort
	}
	if a := ask(r.update, op, err); a == Continue {
		return Continue
	}
	return Abort
}

// unwind undoes the performed operations, newest first
func (r *run) unwind() {
	var result *multierror.Error
	for i := len(r.performed) - 1; i >= 0; i-- {
		op := r.performed[i]
		if err := op.Undo(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s %v: %w", op.Name(), op.Arguments(), err))
			continue
		}
		logrus.Debugf("Undid %s %v", op.Name(), op.Arguments())
	}
	r.performed = nil
	r.removeJournal()

	if err := result.ErrorOrNil(); err != nil {
		logrus.Errorf("Rollback of %s was incomplete: %v", r.update.Name(), err)
		r.task.ReportError(EOperationFailed, fmt.Sprintf("rollback of %s was incomplete: %v", r.update.Name(), err))
	}
}

// commit forgets the undo stack once every operation succeeded
func (r *run) commit() {
	r.performed = nil
	r.removeJournal()
}

func (r *run) record(op operations.Operation) {
	if r.journal == nil {
		return
	}
	r.journal.Add(op)
	if err := r.journal.WriteFile(r.journalPath); err != nil {
		logrus.Warnf("Failed to update journal %s: %v", r.journalPath, err)
	}
}

func (r *run) removeJournal() {
	if r.journal == nil {
		return
	}
	if err := os.Remove(r.journalPath); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("Failed to remove journal %s: %v", r.journalPath, err)
	}
	r.journal.Operations = nil
}
