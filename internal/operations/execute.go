package operations

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DetachedMarker as the last command argument starts the process
	// without waiting for it
	DetachedMarker = "&"

	// UndoMarker separates the command from the one Undo runs
	UndoMarker = "UNDOEXECUTE"

	// KillGracePeriod is how long a canceled process may take to exit
	// after SIGTERM before it is killed
	KillGracePeriod = 10 * time.Second

	maxCapturedOutput = 64 * 1024
)

// ExecuteOperation runs an external program. Arguments: command, its
// arguments, an optional trailing "&" for detached mode, then optionally
// UNDOEXECUTE followed by the command Undo runs.
type ExecuteOperation struct {
	base

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewExecute() *ExecuteOperation {
	return &ExecuteOperation{base: newBase(KindExecute)}
}

// commands splits the arguments into the command, its detached flag and the
// undo command
func (o *ExecuteOperation) commands() (do []string, detached bool, undo []string) {
	do = o.args
	for i, a := range o.args {
		if a == UndoMarker {
			do, undo = o.args[:i], o.args[i+1:]
			break
		}
	}
	if n := len(do); n > 0 && do[n-1] == DetachedMarker {
		do, detached = do[:n-1], true
	}
	return do, detached, undo
}

func (o *ExecuteOperation) validate() error {
	do, _, undo := o.commands()
	if len(do) == 0 {
		return o.fail(InvalidArguments, "invalid arguments: no command given")
	}
	if o.HasUndo() && len(undo) == 0 {
		return o.fail(InvalidArguments, "invalid arguments: %s without a command", UndoMarker)
	}
	return nil
}

// HasUndo reports whether an undo command was given
func (o *ExecuteOperation) HasUndo() bool {
	for _, a := range o.args {
		if a == UndoMarker {
			return true
		}
	}
	return false
}

func (o *ExecuteOperation) command(ctx context.Context, argv []string) *exec.Cmd {
	name := argv[0]
	if strings.ContainsRune(name, os.PathSeparator) || strings.Contains(name, "/") {
		name = o.resolve(name)
	}

	cmd := exec.CommandContext(ctx, name, argv[1:]...)
	cmd.Dir = o.env.WorkingDirectory
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = KillGracePeriod
	return cmd
}

func (o *ExecuteOperation) Backup() error {
	return o.validate()
}

// Perform runs the command. Canceling ctx, or calling Cancel, terminates
// the process gracefully and kills it after KillGracePeriod.
func (o *ExecuteOperation) Perform(ctx context.Context) error {
	if err := o.validate(); err != nil {
		return err
	}
	do, detached, _ := o.commands()

	if detached {
		// a detached process outlives the perform context
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	cmd := o.command(ctx, do)
	out := &limitedBuffer{max: maxCapturedOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	logrus.Debugf("Executing %s in %s", strings.Join(do, " "), cmd.Dir)
	if err := cmd.Start(); err != nil {
		cancel()
		return o.fail(UserDefinedError, "failed to start %s: %v", do[0], err)
	}

	if detached {
		o.SetValue("pid", cmd.Process.Pid)
		go func() {
			defer cancel()
			if err := cmd.Wait(); err != nil {
				logrus.Debugf("Detached %s exited: %v", do[0], err)
			}
		}()
		o.clearError()
		return nil
	}

	defer cancel()
	err := cmd.Wait()
	o.SetValue("output", out.String())
	if cmd.ProcessState != nil {
		o.SetValue("exitCode", cmd.ProcessState.ExitCode())
	}
	if err != nil {
		if ctx.Err() != nil {
			return o.fail(UserDefinedError, "%s was canceled", do[0])
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return o.fail(UserDefinedError, "%s exited with code %d: %s", do[0], exitErr.ExitCode(), strings.TrimSpace(out.String()))
		}
		return o.fail(UserDefinedError, "failed to run %s: %v", do[0], err)
	}
	o.clearError()
	return nil
}

// Cancel terminates a running command
func (o *ExecuteOperation) Cancel() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Undo runs the undo command, if any
func (o *ExecuteOperation) Undo() error {
	if err := o.validate(); err != nil {
		return err
	}
	_, _, undo := o.commands()
	if len(undo) == 0 {
		return nil
	}

	cmd := o.command(context.Background(), undo)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return o.fail(UserDefinedError, "undo command %s failed: %v: %s", undo[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Test checks that the command can be found
func (o *ExecuteOperation) Test() error {
	if err := o.validate(); err != nil {
		return err
	}
	do, _, _ := o.commands()
	name := do[0]
	if strings.ContainsRune(name, os.PathSeparator) || strings.Contains(name, "/") {
		if _, err := os.Stat(o.resolve(name)); err != nil {
			return o.fail(UserDefinedError, "cannot execute %s: %v", name, err)
		}
		return nil
	}
	if _, err := exec.LookPath(name); err != nil {
		return o.fail(UserDefinedError, "cannot execute %s: %v", name, err)
	}
	return nil
}

func (o *ExecuteOperation) Clone() Operation {
	return &ExecuteOperation{base: o.cloneBase()}
}

// limitedBuffer keeps the first max bytes written to it
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
