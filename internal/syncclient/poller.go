package syncclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/cosession/internal/collab"
	"github.com/charlesng35/cosession/pkg/logger"
)

const defaultPollInterval = 2 * time.Second

// Fetcher loads the authoritative record of a session.
type Fetcher interface {
	Get(ctx context.Context, sessionID string) (collab.Session, Meta, error)
}

// Poller keeps a local view of one session by refetching it on a fixed interval. Each
// fetch replaces the view wholesale; subscribers hear about revision changes.
type Poller struct {
	fetcher   Fetcher
	sessionID string
	interval  time.Duration
	notifier  *Notifier
	log       *zap.Logger

	kick chan struct{}

	mu      sync.RWMutex
	current collab.Session
	have    bool
	deleted bool
	gone    chan struct{}
	subs    []chan collab.Session
}

// PollerOption customises a Poller.
type PollerOption func(*Poller)

// WithInterval overrides the polling interval.
func WithInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithNotifier shares fresh views with sibling pollers of the same session.
func WithNotifier(n *Notifier) PollerOption {
	return func(p *Poller) {
		p.notifier = n
	}
}

// NewPoller constructs a poller for sessionID.
func NewPoller(fetcher Fetcher, sessionID string, opts ...PollerOption) *Poller {
	p := &Poller{
		fetcher:   fetcher,
		sessionID: sessionID,
		interval:  defaultPollInterval,
		kick:      make(chan struct{}, 1),
		gone:      make(chan struct{}),
		log:       logger.WithSession("syncclient", sessionID),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Current returns the latest view and whether one has been fetched yet.
func (p *Poller) Current() (collab.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.Clone(), p.have
}

// Deleted reports whether the server no longer knows the session.
func (p *Poller) Deleted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deleted
}

// Gone is closed once the session has been observed as deleted.
func (p *Poller) Gone() <-chan struct{} {
	return p.gone
}

// Changes returns a channel receiving the view whenever its revision changes. Slow readers
// only see the latest view.
func (p *Poller) Changes() <-chan collab.Session {
	ch := make(chan collab.Session, 1)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch
}

// Refresh asks the running poller to fetch immediately.
func (p *Poller) Refresh() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled or the session is deleted. Transient fetch errors are
// logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) error {
	var (
		shared <-chan collab.Session
		cancel = func() {}
	)
	if p.notifier != nil {
		shared, cancel = p.notifier.Subscribe(p.sessionID)
	}
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if done := p.poll(ctx, shared); done {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.kick:
		case view := <-shared:
			p.adopt(view)
			continue
		}
		if done := p.poll(ctx, shared); done {
			return nil
		}
	}
}

// Watch dials the session's push stream and forces a poll on every event it receives. It
// returns when the stream closes or ctx is cancelled; polling continues regardless.
func (p *Poller) Watch(ctx context.Context, dialer *websocket.Dialer, streamURL string) error {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		select {
		case <-ctx.Done():
		case <-p.gone:
		}
		_ = conn.Close()
	}()

	for {
		var msg struct {
			Event string `json:"event"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || p.Deleted() {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				p.Refresh()
				return nil
			}
			return err
		}
		p.log.Debug("push event", zap.String("event", msg.Event))
		p.Refresh()
	}
}

func (p *Poller) poll(ctx context.Context, shared <-chan collab.Session) bool {
	session, _, err := p.fetcher.Get(ctx, p.sessionID)
	switch {
	case err == nil:
		if p.adopt(session) && p.notifier != nil {
			p.notifier.Publish(session, shared)
		}
		return false
	case errors.Is(err, collab.ErrSessionNotFound):
		p.markDeleted()
		return true
	case ctx.Err() != nil:
		return false
	default:
		p.log.Warn("poll failed", zap.Error(err))
		return false
	}
}

// adopt replaces the local view and reports whether the revision changed.
func (p *Poller) adopt(session collab.Session) bool {
	p.mu.Lock()
	if p.deleted {
		p.mu.Unlock()
		return false
	}
	changed := !p.have || p.current.Revision != session.Revision
	p.current = session.Clone()
	p.have = true
	subs := append([]chan collab.Session(nil), p.subs...)
	p.mu.Unlock()

	if changed {
		for _, ch := range subs {
			offerLatest(ch, session.Clone())
		}
	}
	return changed
}

func (p *Poller) markDeleted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return
	}
	p.deleted = true
	close(p.gone)
	p.log.Info("session no longer exists")
}

func offerLatest(ch chan collab.Session, session collab.Session) {
	select {
	case ch <- session:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- session:
	default:
	}
}
