package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	run      func(ctx context.Context, t *Task) error
	canStop  bool
	canPause bool
	runs     int
}

func (h *fakeHandler) DoRun(ctx context.Context, t *Task) error {
	h.runs++
	return h.run(ctx, t)
}
func (h *fakeHandler) DoStop() bool { return h.canStop }
func (h *fakeHandler) DoPause() bool { return h.canPause }
func (h *fakeHandler) DoResume() bool { return h.canPause }

func TestRunFinishes(t *testing.T) {
	h := &fakeHandler{run: func(ctx context.Context, tk *Task) error {
		tk.ReportProgress(50, "half")
		tk.ReportDone()
		return nil
	}}
	tk := New("ok", NoCapability, h)

	require.NoError(t, tk.Run(context.Background()))
	assert.True(t, tk.IsFinished())
	assert.Equal(t, ENoError, tk.Error())
	p, _ := tk.Progress()
	assert.Equal(t, 100, p)

	select {
	case <-tk.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestRunTwiceDoesNotRestart(t *testing.T) {
	h := &fakeHandler{run: func(ctx context.Context, tk *Task) error {
		tk.ReportDone()
		return nil
	}}
	tk := New("twice", NoCapability, h)

	require.NoError(t, tk.Run(context.Background()))
	assert.ErrorIs(t, tk.Run(context.Background()), ErrAlreadyStarted)
	assert.Equal(t, 1, h.runs)
	assert.True(t, tk.IsFinished())
}

func TestRunErrorStops(t *testing.T) {
	boom := errors.New("boom")
	h := &fakeHandler{run: func(ctx context.Context, tk *Task) error {
		tk.ReportError(EUserDefined, "failed badly")
		return boom
	}}
	tk := New("fail", NoCapability, h)

	assert.ErrorIs(t, tk.Run(context.Background()), boom)
	assert.True(t, tk.IsStopped())
	assert.Equal(t, EUserDefined, tk.Error())
	assert.Equal(t, "failed badly", tk.ErrorString())
}

func TestReportDoneClearsError(t *testing.T) {
	h := &fakeHandler{run: func(ctx context.Context, tk *Task) error {
		tk.ReportError(EUserDefined, "transient")
		tk.ReportDone()
		return nil
	}}
	tk := New("clear", NoCapability, h)
	require.NoError(t, tk.Run(context.Background()))
	assert.Nil(t, tk.Err())
}

func TestProgressIsDeduplicated(t *testing.T) {
	h := &fakeHandler{run: func(ctx context.Context, tk *Task) error {
		tk.ReportProgress(10, "a")
		tk.ReportProgress(10, "b")
		tk.ReportProgress(20, "c")
		tk.ReportProgress(20, "d")
		tk.ReportDone()
		return nil
	}}
	tk := New("progress", NoCapability, h)

	var mu sync.Mutex
	var got []int
	tk.Subscribe(func(ev Event) {
		if ev.Kind == EventProgress {
			mu.Lock()
			got = append(got, ev.Percent)
			mu.Unlock()
		}
	})

	require.NoError(t, tk.Run(context.Background()))
	assert.Equal(t, []int{10, 20, 100}, got)
}

func TestStopWithoutCapability(t *testing.T) {
	tk := New("plain", NoCapability, &fakeHandler{})
	assert.False(t, tk.Stop())
	assert.Equal(t, ECannotStopTask, tk.Error())

	assert.False(t, tk.Pause())
	assert.Equal(t, ECannotPauseTask, tk.Error())

	assert.False(t, tk.Resume())
	assert.Equal(t, ECannotResumeTask, tk.Error())
	assert.Equal(t, Idle, tk.State())
}

func TestStopCancelsRunningTask(t *testing.T) {
	started := make(chan struct{})
	h := &fakeHandler{canStop: true, run: func(ctx context.Context, tk *Task) error {
		close(started)
		<-ctx.Done()
		return nil
	}}
	tk := New("stoppable", Stoppable, h)
	require.NoError(t, tk.Start(context.Background()))

	<-started
	assert.True(t, tk.Stop())

	select {
	case <-tk.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not stop")
	}
	assert.True(t, tk.IsStopped())
	assert.True(t, tk.StopRequested())
}

func TestPauseResume(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := &fakeHandler{canPause: true, run: func(ctx context.Context, tk *Task) error {
		close(started)
		<-release
		tk.ReportDone()
		return nil
	}}
	tk := New("pausable", Pausable, h)
	require.NoError(t, tk.Start(context.Background()))
	<-started

	assert.True(t, tk.Pause())
	assert.True(t, tk.IsPaused())
	assert.True(t, tk.Resume())
	assert.Equal(t, Running, tk.State())

	close(release)
	<-tk.Done()
	assert.True(t, tk.IsFinished())
}
