package coordinator

import "sync"

// bus fans lifecycle snapshots out to per-session subscribers. Sends
// never block; a subscriber that falls behind loses intermediate
// snapshots, which is fine because every snapshot is absolute.
type bus struct {
	mu   sync.Mutex
	subs map[string]map[chan Snapshot]struct{}
}

func newBus() *bus {
	return &bus{subs: make(map[string]map[chan Snapshot]struct{})}
}

func (b *bus) subscribe(sessionID string) chan Snapshot {
	ch := make(chan Snapshot, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[sessionID]
	if set == nil {
		set = make(map[chan Snapshot]struct{})
		b.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	return ch
}

func (b *bus) unsubscribe(sessionID string, ch chan Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[sessionID]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(b.subs, sessionID)
	}
}

func (b *bus) publish(sessionID string, snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		select {
		case ch <- snap:
		default:
		}
	}
}
