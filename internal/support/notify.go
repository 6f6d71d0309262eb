package support

import (
	"sync"
	"sync/atomic"

	"SupportChat/internal/session"
)

// notifier delivers state snapshots to listeners on its own goroutine.
// Bursts of changes collapse into a single delivery of the latest state.
type notifier struct {
	mu        sync.Mutex
	listeners map[int]func(session.State)
	next      int

	latest  atomic.Pointer[session.State]
	changed chan struct{}
	stop    chan struct{}

	start   sync.Once
	closing sync.Once
}

func newNotifier() *notifier {
	return &notifier{
		listeners: make(map[int]func(session.State)),
		changed:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

func (n *notifier) subscribe(fn func(session.State)) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.listeners[id] = fn
	n.mu.Unlock()

	n.start.Do(func() { go n.loop() })

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			n.mu.Unlock()
		})
	}
}

// publish never blocks
func (n *notifier) publish(st session.State) {
	n.latest.Store(&st)
	select {
	case n.changed <- struct{}{}:
	default:
	}
}

func (n *notifier) close() {
	n.closing.Do(func() { close(n.stop) })
}

func (n *notifier) loop() {
	for {
		select {
		case <-n.stop:
			return
		case <-n.changed:
		}

		select {
		case <-n.stop:
			return
		default:
		}

		st := n.latest.Load()
		if st == nil {
			continue
		}

		n.mu.Lock()
		fns := make([]func(session.State), 0, len(n.listeners))
		for _, fn := range n.listeners {
			fns = append(fns, fn)
		}
		n.mu.Unlock()

		for _, fn := range fns {
			fn(*st)
		}
	}
}
