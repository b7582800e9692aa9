package syncclient

import (
	"sync"

	"github.com/charlesng35/cosession/internal/collab"
)

// Notifier fans fresh session views out to every poller in the process that follows the
// same session, so sibling views update without waiting for their own tick.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan collab.Session
}

// NewNotifier constructs an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string]map[int]chan collab.Session)}
}

// Subscribe registers interest in sessionID. Only the most recent undelivered view is
// kept per subscriber. The returned cancel func must be called to release the channel.
func (n *Notifier) Subscribe(sessionID string) (<-chan collab.Session, func()) {
	ch := make(chan collab.Session, 1)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	if n.subs[sessionID] == nil {
		n.subs[sessionID] = make(map[int]chan collab.Session)
	}
	n.subs[sessionID][id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[sessionID], id)
			if len(n.subs[sessionID]) == 0 {
				delete(n.subs, sessionID)
			}
		})
	}
	return ch, cancel
}

// Publish hands session to every subscriber of its identifier except the channel skip,
// which is the publisher's own subscription and may be nil.
func (n *Notifier) Publish(session collab.Session, skip <-chan collab.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs[session.SessionID] {
		if (<-chan collab.Session)(ch) == skip {
			continue
		}
		offerLatest(ch, session.Clone())
	}
}
