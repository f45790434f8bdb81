// Package framework runs the long-lived pieces of a binary (links, bridges,
// HTTP servers) side by side and stops them together.
package framework

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/golang/glog"
)

// ErrForcedExit is returned by Wait when a second signal arrives.
var ErrForcedExit = errors.New("forced exit")

type namedRunnable struct {
	Runnable
	name string
}

func (r *namedRunnable) Name() string {
	return r.name
}

// NamedRun wraps a Runnable with a name used in logs.
func NamedRun(name string, runnable Runnable) Runnable {
	return &namedRunnable{name: name, Runnable: runnable}
}

// NamedFunc is NamedRun for a plain func.
func NamedFunc(name string, fn func(context.Context) error) Runnable {
	return NamedRun(name, RunFunc(fn))
}

type result struct {
	name string
	err  error
}

// Runner runs multiple Runnables. When StopOnExit is set the first Runnable
// returning cancels the others.
type Runner struct {
	Context    context.Context
	StopOnExit bool

	cancel  context.CancelFunc
	count   int
	resCh   chan result
	exitCh  chan struct{}
	closers []io.Closer
}

// NewRunner creates a runner with a background context.
func NewRunner() *Runner {
	return NewRunnerWith(context.Background())
}

// NewRunnerWith creates a runner with a specified context.
func NewRunnerWith(ctx context.Context) *Runner {
	r := &Runner{
		resCh:  make(chan result, 1),
		exitCh: make(chan struct{}),
	}
	r.Context, r.cancel = context.WithCancel(ctx)
	return r
}

// HandleSignals handles CtrlC and SIGTERM. The first signal cancels the
// context, the second forces Wait to return.
func (r *Runner) HandleSignals() *Runner {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		glog.Info("stop requested")
		r.cancel()
		<-sigCh
		glog.Error("stop requested again, force exit")
		close(r.exitCh)
	}()
	return r
}

// CloseOnExit registers closers invoked in reverse order once Wait returns.
func (r *Runner) CloseOnExit(closers ...io.Closer) *Runner {
	r.closers = append(r.closers, closers...)
	return r
}

// Go spawns Runnables with the runner's context.
func (r *Runner) Go(runners ...Runnable) *Runner {
	for _, runner := range runners {
		name := strconv.Itoa(r.count)
		if named, ok := runner.(Named); ok {
			name = named.Name()
		}
		r.count++
		glog.V(4).Infof("start Runner[%s]", name)
		go func(runner Runnable, name string) {
			err := runner.Run(r.Context)
			glog.V(4).Infof("Runner[%s] stopped: %v", name, err)
			r.resCh <- result{name: name, err: err}
		}(runner, name)
	}
	return r
}

// Stop cancels the context of all Runnables.
func (r *Runner) Stop() {
	r.cancel()
}

// Wait waits until all Runnables stop and aggregates their errors.
// context.Canceled is not reported.
func (r *Runner) Wait() error {
	var errs AggregatedError
	defer r.closeAll()
	for n := 0; n < r.count; n++ {
		select {
		case <-r.exitCh:
			return ErrForcedExit
		case res := <-r.resCh:
			if res.err != nil && !errors.Is(res.err, context.Canceled) {
				glog.Errorf("%s: %v", res.name, res.err)
				errs.Add(res.err)
			}
			if r.StopOnExit {
				r.cancel()
			}
		}
	}
	return errs.Aggregate()
}

func (r *Runner) closeAll() {
	r.cancel()
	for n := len(r.closers) - 1; n >= 0; n-- {
		if err := r.closers[n].Close(); err != nil {
			glog.Warningf("close: %v", err)
		}
	}
	r.closers = nil
}

// RunWithContextCancel runs a func which doesn't accept a context.
// onCancel is called only when the context is canceled, and is expected to
// make fn return.
func RunWithContextCancel(ctx context.Context, onCancel func(), fn func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn()
	}()
	select {
	case <-ctx.Done():
		if onCancel != nil {
			onCancel()
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// RunWithContextCloser runs fn and ensures closer.Close is called either on
// cancel or once fn returns.
func RunWithContextCloser(ctx context.Context, closer io.Closer, fn func() error) error {
	var closed bool
	err := RunWithContextCancel(ctx, func() {
		closer.Close()
		closed = true
	}, fn)
	if !closed {
		closer.Close()
	}
	return err
}
