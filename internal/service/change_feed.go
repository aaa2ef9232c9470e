package service

import "sync"

// ChangeFeed signals views that a scope's reconciled state changed. Each
// subscriber holds at most one pending signal, so bursts of updates collapse
// into a single wake-up and the view reads the latest state.
type ChangeFeed struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan struct{}]struct{}
	closed      bool
}

// NewChangeFeed constructs an empty feed.
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subscribers: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe returns a signal channel for scope and a func that releases it.
func (f *ChangeFeed) Subscribe(scope string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		close(ch)
		return ch, func() {}
	}
	if _, ok := f.subscribers[scope]; !ok {
		f.subscribers[scope] = make(map[chan struct{}]struct{})
	}
	f.subscribers[scope][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() { f.unsubscribe(scope, ch) })
	}
}

func (f *ChangeFeed) unsubscribe(scope string, ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subscribers, ok := f.subscribers[scope]
	if !ok {
		return
	}
	if _, ok := subscribers[ch]; !ok {
		return
	}
	delete(subscribers, ch)
	close(ch)
	if len(subscribers) == 0 {
		delete(f.subscribers, scope)
	}
}

// Notify wakes every subscriber of scope without blocking.
func (f *ChangeFeed) Notify(scope string) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for ch := range f.subscribers[scope] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close releases every subscriber; later subscriptions receive a closed channel.
func (f *ChangeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for scope, subscribers := range f.subscribers {
		for ch := range subscribers {
			close(ch)
		}
		delete(f.subscribers, scope)
	}
}
