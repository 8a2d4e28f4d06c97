// Package task provides the cancellable state machine shared by the update
// finder, the installer and individual updates.
//
// A Task moves Idle -> Running -> Finished or Stopped. Tasks declaring the
// Pausable capability may also move between Running and Paused. The actual
// work is supplied by a Handler.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// State of a task
type State int

const (
	Idle State = iota
	Running
	Paused
	Stopped
	Finished
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Capability flags
type Capability int

const (
	NoCapability Capability = 0
	Stoppable    Capability = 1 << iota
	Pausable
)

// ErrorCode identifies the last error reported by a task
type ErrorCode int

const (
	ENoError ErrorCode = iota
	ECannotStartTask
	ECannotPauseTask
	ECannotResumeTask
	ECannotStopTask
	EUnknown

	// EUserDefined is the first code available to task implementations
	EUserDefined ErrorCode = 100
)

// ErrAlreadyStarted is returned when Run is called on a task that already ran
var ErrAlreadyStarted = errors.New("task already started")

// ErrStopped is recorded when a task is stopped before reporting done
var ErrStopped = errors.New("task stopped")

// Handler supplies the behaviour of a task
type Handler interface {
	// DoRun performs the work. It must call ReportDone on success.
	DoRun(ctx context.Context, t *Task) error
	// DoStop is asked to stop the work; returning false refuses.
	DoStop() bool
	DoPause() bool
	DoResume() bool
}

// Task is the state machine around a Handler
type Task struct {
	name    string
	caps    Capability
	handler Handler

	mu          sync.Mutex
	state       State
	progress    int
	progressMsg string
	errCode     ErrorCode
	errText     string
	done        chan struct{}
	cancel      context.CancelFunc
	stopReq     bool
	reportedOK  bool
	observers   map[int]func(Event)
	nextObserve int
}

// New creates a task in the Idle state
func New(name string, caps Capability, h Handler) *Task {
	return &Task{
		name:      name,
		caps:      caps,
		handler:   h,
		done:      make(chan struct{}),
		observers: make(map[int]func(Event)),
	}
}

// Name returns the task name
func (t *Task) Name() string { return t.name }

// Capabilities returns the declared capability flags
func (t *Task) Capabilities() Capability { return t.caps }

// State returns the current state
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsRunning reports whether the task is running or paused
func (t *Task) IsRunning() bool {
	s := t.State()
	return s == Running || s == Paused
}

// IsFinished reports whether the task completed successfully
func (t *Task) IsFinished() bool { return t.State() == Finished }

// IsStopped reports whether the task ended without completing
func (t *Task) IsStopped() bool { return t.State() == Stopped }

// IsPaused reports whether the task is paused
func (t *Task) IsPaused() bool { return t.State() == Paused }

// Done is closed when the task reaches a terminal state
func (t *Task) Done() <-chan struct{} { return t.done }

// Progress returns the last reported percentage and text
func (t *Task) Progress() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress, t.progressMsg
}

// Error returns the last reported error code
func (t *Task) Error() ErrorCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errCode
}

// ErrorString returns the last reported error text
func (t *Task) ErrorString() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errText
}

// Err returns the last reported error, or nil
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.errCode == ENoError {
		return nil
	}
	return &Error{Task: t.name, Code: t.errCode, Text: t.errText}
}

// StopRequested reports whether Stop was accepted. Handlers poll it at
// safe points in addition to watching their context.
func (t *Task) StopRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopReq
}

// Run performs the task and blocks until it reaches a terminal state.
// Calling Run on a task that is not Idle logs a warning and returns
// ErrAlreadyStarted without touching the running work.
func (t *Task) Run(ctx context.Context) error {
	runCtx, ok := t.begin(ctx)
	if !ok {
		return ErrAlreadyStarted
	}
	return t.execute(runCtx)
}

// Start runs the task in a new goroutine
func (t *Task) Start(ctx context.Context) error {
	runCtx, ok := t.begin(ctx)
	if !ok {
		return ErrAlreadyStarted
	}
	go t.execute(runCtx) //nolint:errcheck
	return nil
}

func (t *Task) begin(parent context.Context) (context.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Idle {
		logrus.Warnf("Cannot run task %q: already %s", t.name, t.state)
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.state = Running
	return ctx, true
}

func (t *Task) execute(ctx context.Context) error {
	defer t.cancel()

	t.emit(Event{Kind: EventStarted})
	logrus.Debugf("Task %q started", t.name)

	err := t.handler.DoRun(ctx, t)

	t.mu.Lock()
	switch {
	case err == nil && t.reportedOK:
		t.state = Finished
	default:
		if err == nil {
			if t.stopReq || ctx.Err() != nil {
				err = ErrStopped
			} else {
				err = fmt.Errorf("task %q returned without reporting done", t.name)
			}
		}
		if t.errCode == ENoError {
			t.errCode = EUnknown
			t.errText = err.Error()
		}
		t.state = Stopped
	}
	state := t.state
	t.mu.Unlock()

	if state == Finished {
		logrus.Debugf("Task %q finished", t.name)
		t.emit(Event{Kind: EventFinished})
		close(t.done)
		return nil
	}

	logrus.Debugf("Task %q stopped: %v", t.name, err)
	t.emit(Event{Kind: EventStopped, Err: err})
	close(t.done)
	return err
}

// Stop asks a stoppable task to stop. Stopping a task without the Stoppable
// capability reports ECannotStopTask.
func (t *Task) Stop() bool {
	if t.caps&Stoppable == 0 {
		t.ReportError(ECannotStopTask, fmt.Sprintf("%s cannot be stopped", t.name))
		return false
	}
	if !t.IsRunning() {
		return false
	}
	if !t.handler.DoStop() {
		t.ReportError(ECannotStopTask, fmt.Sprintf("%s refused to stop", t.name))
		return false
	}

	t.mu.Lock()
	t.stopReq = true
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// Pause pauses a pausable running task
func (t *Task) Pause() bool {
	if t.caps&Pausable == 0 {
		t.ReportError(ECannotPauseTask, fmt.Sprintf("%s cannot be paused", t.name))
		return false
	}
	if t.State() != Running {
		return false
	}
	if !t.handler.DoPause() {
		t.ReportError(ECannotPauseTask, fmt.Sprintf("%s refused to pause", t.name))
		return false
	}
	t.setState(Paused)
	t.emit(Event{Kind: EventPaused})
	return true
}

// Resume resumes a paused task
func (t *Task) Resume() bool {
	if t.caps&Pausable == 0 {
		t.ReportError(ECannotResumeTask, fmt.Sprintf("%s cannot be resumed", t.name))
		return false
	}
	if t.State() != Paused {
		return false
	}
	if !t.handler.DoResume() {
		t.ReportError(ECannotResumeTask, fmt.Sprintf("%s refused to resume", t.name))
		return false
	}
	t.setState(Running)
	t.emit(Event{Kind: EventResumed})
	return true
}

// ReportProgress records progress. Observers are only notified when the
// percentage actually changes.
func (t *Task) ReportProgress(percent int, text string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	t.mu.Lock()
	changed := percent != t.progress
	t.progress = percent
	t.progressMsg = text
	t.mu.Unlock()

	if changed {
		t.emit(Event{Kind: EventProgress, Percent: percent, Text: text})
	}
}

// ReportError records an error. It does not stop the task by itself.
func (t *Task) ReportError(code ErrorCode, text string) {
	t.mu.Lock()
	t.errCode = code
	t.errText = text
	t.mu.Unlock()

	logrus.Debugf("Task %q error %d: %s", t.name, code, text)
	t.emit(Event{Kind: EventError, Err: &Error{Task: t.name, Code: code, Text: text}})
}

// ReportDone marks the work as complete and clears any previous error
func (t *Task) ReportDone() {
	t.mu.Lock()
	t.reportedOK = true
	t.errCode = ENoError
	t.errText = ""
	t.mu.Unlock()
	t.ReportProgress(100, "done")
}

// Subscribe registers an observer for task events. The returned function
// removes it.
func (t *Task) Subscribe(fn func(Event)) func() {
	t.mu.Lock()
	id := t.nextObserve
	t.nextObserve++
	t.observers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) emit(ev Event) {
	ev.Task = t.name
	t.mu.Lock()
	fns := make([]func(Event), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
