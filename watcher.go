package dbus

import (
	"context"
	"reflect"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
)

const maxWatcherQueue = 20

// Watch returns a Watcher that delivers signals received from the
// bus.
//
// A new Watcher delivers nothing; use [Watcher.Match] to subscribe
// to the signals of interest.
func (c *Conn) Watch() *Watcher {
	w := &Watcher{
		conn:        c,
		signals:     make(chan *Signal),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
		matches:     mapset.New[*Match](),
	}
	go w.pump()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		// deliver nothing, Close on the watcher still works
		w.stopOnce.Do(func() { close(w.stopPump) })
		return w
	}
	c.watchers.Add(w)
	return w
}

// A Watcher delivers the bus signals that match its subscriptions.
type Watcher struct {
	conn     *Conn
	signals  chan *Signal
	wakePump chan struct{}

	stopOnce    sync.Once
	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu      sync.Mutex
	queue   queue.Queue[*Signal]
	matches mapset.Set[*Match]
}

// Signal is one signal received from the bus.
type Signal struct {
	// Sender is the unique name of the emitting peer.
	Sender string
	// Path is the object that emitted the signal.
	Path ObjectPath
	// Interface and Name identify the signal.
	Interface string
	Name      string
	// Body is a pointer to a struct holding the signal's
	// arguments, with one field per argument in wire order.
	Body any
	// Overflow reports that signals following this one were
	// dropped because the receiver wasn't draining [Watcher.Chan]
	// fast enough.
	Overflow bool
}

// Chan returns the channel on which signals are delivered.
//
// The caller must drain the channel promptly; once the watcher's
// internal queue fills up, further signals are discarded and the
// loss is flagged on the last delivered Signal's Overflow field.
func (w *Watcher) Chan() <-chan *Signal { return w.signals }

// Match subscribes the watcher to signals matching m. Matches are
// additive. The returned function removes the subscription.
func (w *Watcher) Match(m *Match) (remove func(), err error) {
	if err := w.conn.addMatch(context.Background(), m); err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.matches.Add(m)
	w.mu.Unlock()

	return func() {
		w.conn.removeMatch(context.Background(), m)
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.matches, m)
	}, nil
}

// Close shuts down the watcher and removes its bus subscriptions.
func (w *Watcher) Close() {
	select {
	case <-w.pumpStopped:
		return
	default:
	}

	w.conn.mu.Lock()
	if w.conn.watchers != nil {
		delete(w.conn.watchers, w)
	}
	w.conn.mu.Unlock()

	w.close()

	w.mu.Lock()
	defer w.mu.Unlock()
	for m := range w.matches {
		w.conn.removeMatch(context.Background(), m)
	}
	w.matches = mapset.New[*Match]()
	w.queue.Clear()
}

// close stops delivery without touching bus state. The conn uses
// it during shutdown, when the match subscriptions die with the
// connection anyway.
func (w *Watcher) close() {
	w.stopOnce.Do(func() { close(w.stopPump) })
	<-w.pumpStopped
}

// deliver hands one decoded signal to the watcher, which keeps it
// if any of its matches pass. Called on the dispatcher task.
func (w *Watcher) deliver(hdr *header, body reflect.Value) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.pumpStopped:
		// raced with Close
		return
	default:
	}

	matched := false
	for m := range w.matches {
		if m.matches(hdr, body) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}

	if w.queue.Len() >= maxWatcherQueue {
		if last, ok := w.queue.Peek(-1); ok {
			last.Overflow = true
		}
		return
	}
	w.queue.Add(&Signal{
		Sender:    hdr.Sender,
		Path:      hdr.Path,
		Interface: hdr.Interface,
		Name:      hdr.Member,
		Body:      body.Interface(),
	})
	if w.queue.Len() == 1 {
		select {
		case w.wakePump <- struct{}{}:
		default:
		}
	}
}

func (w *Watcher) pump() {
	defer close(w.pumpStopped)
	defer close(w.signals)
	for {
		sig := func() *Signal {
			w.mu.Lock()
			defer w.mu.Unlock()
			ret, _ := w.queue.Pop()
			return ret
		}()
		if sig == nil {
			select {
			case <-w.stopPump:
				return
			case <-w.wakePump:
				continue
			}
		}
		select {
		case w.signals <- sig:
		case <-w.stopPump:
			return
		}
	}
}
