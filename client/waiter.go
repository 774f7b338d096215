package client

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/mstarongithub/wmctl/common/ipc"
	"github.com/mstarongithub/wmctl/common/output"
	"github.com/mstarongithub/wmctl/detect"
	"github.com/mstarongithub/wmctl/transport"
)

type State int32

const (
	// No connection held
	Idle State = iota
	Connecting
	// Fetching the outputs to diff against
	Syncing
	Watching
	// Waiting out the backoff before connecting again
	Reconnecting
	// Failed for good, make a new Waiter
	Terminal
)

var stateNames = [...]string{"idle", "connecting", "syncing", "watching", "reconnecting", "terminal"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int32(s))
	}
	return stateNames[s]
}

// Waiter keeps a connection to the compositor's notification stream and
// reports how the set of outputs changes.
//
// Next, Watch and Close must not be called concurrently. State and Baseline
// are safe to call from anywhere.
type Waiter struct {
	opts Options
	log  logrus.FieldLogger

	state atomic.Int32
	// Fatal error once Terminal
	err error

	// Resolved on the first connect and kept from then on
	backend *detect.Backend
	adapter ipc.Adapter

	stream  *transport.Transport
	backoff backoff.BackOff

	// Nil until the first successful sync
	baseline atomic.Pointer[output.Snapshot]
	// A notification came in that the baseline does not reflect yet
	dirty bool
}

func NewWaiter(opts Options) *Waiter {
	opts = opts.withDefaults()
	return &Waiter{
		opts:    opts,
		log:     opts.Logger.WithField("component", "waiter"),
		backoff: opts.newBackOff(),
	}
}

func (w *Waiter) State() State {
	return State(w.state.Load())
}

func (w *Waiter) setState(s State) {
	if old := State(w.state.Swap(int32(s))); old != s {
		w.log.WithFields(logrus.Fields{"from": old, "to": s}).Debugln("State change")
	}
}

// Baseline is the last snapshot changes were computed against. ok is false
// before the first successful sync.
func (w *Waiter) Baseline() (snapshot output.Snapshot, ok bool) {
	if b := w.baseline.Load(); b != nil {
		return *b, true
	}
	return output.Snapshot{}, false
}

// Backend is the detected compositor, nil before the first connect
func (w *Waiter) Backend() *detect.Backend {
	return w.backend
}

// Next blocks until the outputs changed and returns the changes in diff
// order. Connection trouble is retried with backoff and never returned.
//
// Cancelling ctx drops the connection, puts the Waiter back to Idle and
// returns ctx.Err(). Calling Next again picks up from there.
// Once the Waiter is Terminal every call returns the same fatal *Error.
//
// The first sync only records the baseline. After a reconnect the changes
// since the last baseline are reported, events missed in between are not.
func (w *Waiter) Next(ctx context.Context) ([]output.ChangeEvent, error) {
	for {
		if w.State() == Terminal {
			return nil, w.err
		}
		if err := ctx.Err(); err != nil {
			w.stop()
			return nil, err
		}

		var events []output.ChangeEvent
		switch w.State() {
		case Idle:
			w.setState(Connecting)
		case Connecting:
			w.connect(ctx)
		case Syncing:
			events = w.sync(ctx)
		case Watching:
			events = w.watch(ctx)
		case Reconnecting:
			w.reconnect(ctx)
		}
		if len(events) > 0 {
			return events, nil
		}
	}
}

// Watch yields changes one at a time until ctx is cancelled or the Waiter
// fails for good. A fatal error is yielded once, then the sequence ends.
// Cancellation ends it without an error. The connection is released when
// the loop exits.
func (w *Waiter) Watch(ctx context.Context) iter.Seq2[output.ChangeEvent, error] {
	return func(yield func(output.ChangeEvent, error) bool) {
		defer w.Close()
		for {
			events, err := w.Next(ctx)
			if err != nil {
				if IsFatal(err) {
					yield(output.ChangeEvent{}, err)
				}
				return
			}
			for _, e := range events {
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

// Close releases the connection. The baseline is kept, a later Next reports
// the difference to it. A Terminal Waiter stays Terminal.
func (w *Waiter) Close() error {
	err := w.closeStream()
	if w.State() != Terminal {
		w.setState(Idle)
	}
	return err
}

func (w *Waiter) stop() {
	w.closeStream()
	w.setState(Idle)
}

func (w *Waiter) closeStream() error {
	if w.stream == nil {
		return nil
	}
	err := w.stream.Close()
	w.stream = nil
	return err
}

func (w *Waiter) fail(op string, err error) {
	w.closeStream()
	w.err = fatal(op, err)
	w.log.WithError(err).WithField("op", op).Errorln("Giving up on the compositor")
	w.setState(Terminal)
}

// retry drops the connection and schedules a reconnect. Cancellation is not
// worth a warning, Next notices it on the next turn.
func (w *Waiter) retry(ctx context.Context, op string, err error) {
	w.closeStream()
	if ctx.Err() == nil {
		w.log.WithError(err).WithField("op", op).Warnln("Lost the compositor, reconnecting")
	}
	w.setState(Reconnecting)
}

func (w *Waiter) connect(ctx context.Context) {
	if w.backend == nil {
		backend, err := w.opts.Detector.Detect()
		if err != nil {
			w.fail("detect", err)
			return
		}
		adapter, err := ipc.New(backend.Kind)
		if err != nil {
			w.fail("detect", err)
			return
		}
		w.backend, w.adapter = &backend, adapter
		w.log = w.log.WithField("backend", backend.Kind)
		w.log.WithFields(logrus.Fields{
			"source": backend.Source,
			"events": backend.EventSocket,
			"query":  backend.QuerySocket,
		}).Infoln("Found compositor")
	}

	connectCtx, cancel := context.WithTimeout(ctx, w.opts.ConnectTimeout)
	stream, err := transport.ConnectWithLogger(connectCtx, w.backend.EventSocket, w.adapter.EventSplit(), w.log)
	cancel()
	if err != nil {
		w.retry(ctx, "connect", err)
		return
	}
	w.stream = stream

	if subscribe := w.adapter.EncodeSubscribe(); subscribe != nil {
		if err := w.stream.Send(subscribe); err != nil {
			w.retry(ctx, "subscribe", err)
			return
		}
		frame, err := recvFrame(ctx, w.stream, w.opts.QueryTimeout, w.opts.RecvTimeout)
		if err != nil {
			w.retry(ctx, "subscribe", err)
			return
		}
		if err := w.adapter.DecodeSubscribeReply(frame); err != nil {
			w.retry(ctx, "subscribe", err)
			return
		}
	}
	w.setState(Syncing)
}

// sync fetches the outputs after a (re)connect
func (w *Waiter) sync(ctx context.Context) []output.ChangeEvent {
	w.dirty = false
	fresh, err := w.query(ctx)
	if err != nil {
		w.retry(ctx, "sync", err)
		return nil
	}
	w.backoff.Reset()

	var events []output.ChangeEvent
	if w.baseline.Load() == nil {
		w.baseline.Store(&fresh)
		w.log.WithField("outputs", fresh.Len()).Debugln("Baseline established")
	} else {
		events = w.rebase(fresh)
	}
	w.setState(Watching)
	return events
}

// watch waits for one frame, or re-queries if a notification is pending
func (w *Waiter) watch(ctx context.Context) []output.ChangeEvent {
	if w.dirty {
		w.dirty = false
		fresh, err := w.query(ctx)
		if err != nil {
			w.retry(ctx, "query", err)
			return nil
		}
		return w.rebase(fresh)
	}

	frame, err := w.stream.RecvFrame(w.opts.RecvTimeout)
	if errors.Is(err, transport.ErrTimeout) {
		return nil
	}
	if err != nil {
		w.retry(ctx, "receive", err)
		return nil
	}
	w.notice(frame)
	return nil
}

// notice marks the baseline dirty if frame is an output notification.
// Malformed notifications are logged and skipped.
func (w *Waiter) notice(frame []byte) {
	event, err := w.adapter.TryDecodeEvent(frame)
	if err != nil {
		w.log.WithError(err).Warnln("Skipping malformed event")
		return
	}
	if event == nil {
		return
	}
	w.log.WithFields(logrus.Fields{"event": event.Name, "detail": event.Detail}).Debugln("Output notification")
	w.dirty = true
}

// rebase swaps in the new baseline and returns what changed
func (w *Waiter) rebase(fresh output.Snapshot) []output.ChangeEvent {
	events := output.Diff(*w.baseline.Load(), fresh)
	w.baseline.Store(&fresh)
	if len(events) > 0 {
		w.log.WithField("changes", len(events)).Debugln("Outputs changed")
	}
	return events
}

// query fetches the current outputs. Dialects that multiplex replies and
// notifications ask on the event stream, where notifications arriving in
// front of the reply are noted for another round. Others get a connection
// of their own.
func (w *Waiter) query(ctx context.Context) (output.Snapshot, error) {
	if !w.adapter.SharesEventStream() {
		return queryOnce(ctx, w.adapter, w.backend.QuerySocket, w.opts, w.log)
	}

	if err := w.stream.Send(w.adapter.EncodeOutputQuery()); err != nil {
		return output.Snapshot{}, err
	}
	deadline := time.Now().Add(w.opts.QueryTimeout)
	for {
		frame, err := recvFrame(ctx, w.stream, time.Until(deadline), w.opts.RecvTimeout)
		if err != nil {
			return output.Snapshot{}, fmt.Errorf("waiting for output reply: %w", err)
		}
		if w.adapter.IsEvent(frame) {
			w.notice(frame)
			continue
		}
		return w.adapter.DecodeOutputReply(frame)
	}
}

func (w *Waiter) reconnect(ctx context.Context) {
	w.closeStream()
	wait := w.backoff.NextBackOff()
	if wait == backoff.Stop {
		w.fail("reconnect", fmt.Errorf("gave up after %d attempts", w.opts.MaxReconnects))
		return
	}
	w.log.WithField("wait", wait).Debugln("Backing off")
	w.sleep(ctx, wait)
	if ctx.Err() == nil {
		w.setState(Connecting)
	}
}

// sleep waits for d, ctx, or the event socket showing up again
func (w *Waiter) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var created <-chan struct{}
	if w.opts.WakeOnSocket {
		ch, stop, err := watchSocket(w.backend.EventSocket, w.log)
		if err != nil {
			w.log.WithError(err).Debugln("Cannot watch for the socket, waiting out the timer")
		} else {
			defer stop()
			created = ch
		}
	}

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-created:
		w.log.Debugln("Socket re-created, reconnecting early")
	}
}

// watchSocket closes the returned channel once path is created. stop ends
// the watch.
func watchSocket(path string, log logrus.FieldLogger) (<-chan struct{}, func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := watcher.Add(filepath.Dir(filepath.Clean(path))); err != nil {
		watcher.Close()
		return nil, nil, err
	}

	target := filepath.Clean(path)
	created := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == target && event.Has(fsnotify.Create) {
					close(created)
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Debugln("Socket watch error")
			}
		}
	}()
	return created, watcher.Close, nil
}
