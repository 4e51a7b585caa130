package relays

import (
	"github.com/sasha-s/go-deadlock"
	"portal/engine/library"
)

// watcher buffers status changes for one Watch call so the pool never blocks on a slow reader.
type watcher struct {
	mu     *deadlock.Mutex
	queue  *library.Queue[StatusChange]
	signal chan struct{}
	closed bool
}

func newWatcher() *watcher {
	return &watcher{
		mu:     &deadlock.Mutex{},
		queue:  library.NewQueue[StatusChange](8),
		signal: make(chan struct{}, 1),
	}
}

func (w *watcher) push(c StatusChange) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue.Push(c)
	w.mu.Unlock()
	signal(w.signal)
}

func (w *watcher) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	signal(w.signal)
}

// next returns the oldest buffered change, and whether the watcher has been closed.
func (w *watcher) next() (c StatusChange, ok bool, closed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok = w.queue.Pop()
	return c, ok, w.closed
}
