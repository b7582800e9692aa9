package syncclient_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/cosession/internal/collab"
	"github.com/charlesng35/cosession/internal/realtime"
	"github.com/charlesng35/cosession/internal/syncclient"
)

func startPoller(t *testing.T, p *syncclient.Poller) <-chan error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return done
}

func TestPoller_ConvergesAndDetectsDeletion(t *testing.T) {
	_, client := newServer(t)
	ctx := context.Background()

	created, _, err := client.Create(ctx)
	require.NoError(t, err)
	sessionID := created.Session.SessionID

	poller := syncclient.NewPoller(client, sessionID, syncclient.WithInterval(20*time.Millisecond))
	changes := poller.Changes()
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	first := <-changes
	require.Len(t, first.Users, 1)

	joined, _, err := client.Join(ctx, sessionID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, ok := poller.Current()
		return ok && len(view.Users) == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, err = client.Remove(ctx, sessionID, joined.CurrentUserID)
	require.NoError(t, err)
	_, err = client.Remove(ctx, sessionID, created.CurrentUserID)
	require.NoError(t, err)

	select {
	case <-poller.Gone():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not observe deletion")
	}
	require.True(t, poller.Deleted())
	require.NoError(t, <-done)
}

func TestPoller_StopsOnCancel(t *testing.T) {
	_, client := newServer(t)

	created, _, err := client.Create(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	poller := syncclient.NewPoller(client, created.Session.SessionID, syncclient.WithInterval(10*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := poller.Current()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.False(t, poller.Deleted())
}

func TestPoller_NotifierUpdatesSiblings(t *testing.T) {
	_, client := newServer(t)
	ctx := context.Background()

	created, _, err := client.Create(ctx)
	require.NoError(t, err)
	sessionID := created.Session.SessionID

	notifier := syncclient.NewNotifier()
	fast := syncclient.NewPoller(client, sessionID, syncclient.WithInterval(20*time.Millisecond), syncclient.WithNotifier(notifier))
	slow := syncclient.NewPoller(client, sessionID, syncclient.WithInterval(time.Hour), syncclient.WithNotifier(notifier))

	startPoller(t, slow)
	require.Eventually(t, func() bool {
		_, ok := slow.Current()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	startPoller(t, fast)

	_, _, err = client.Join(ctx, sessionID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, _ := slow.Current()
		return len(view.Users) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoller_WatchTriggersRefresh(t *testing.T) {
	env, client := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	created, _, err := client.Create(ctx)
	require.NoError(t, err)
	sessionID := created.Session.SessionID

	poller := syncclient.NewPoller(client, sessionID, syncclient.WithInterval(time.Hour))
	startPoller(t, poller)
	require.Eventually(t, func() bool {
		_, ok := poller.Current()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	watchDone := make(chan error, 1)
	go func() { watchDone <- poller.Watch(ctx, nil, client.StreamURL(sessionID, created.CurrentUserID)) }()

	require.Eventually(t, func() bool {
		return env.Hub.Subscribers(realtime.SessionStream(sessionID)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, err = client.Join(ctx, sessionID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, _ := poller.Current()
		return len(view.Users) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-watchDone)
}

type flakyFetcher struct {
	calls atomic.Int32
}

func (f *flakyFetcher) Get(context.Context, string) (collab.Session, syncclient.Meta, error) {
	if f.calls.Add(1) == 1 {
		return collab.Session{}, syncclient.Meta{}, errors.New("connection reset")
	}
	return collab.Session{SessionID: "s1", Revision: 3}, syncclient.Meta{Revision: 3}, nil
}

func TestPoller_RetriesTransientErrors(t *testing.T) {
	fetcher := &flakyFetcher{}
	poller := syncclient.NewPoller(fetcher, "s1", syncclient.WithInterval(10*time.Millisecond))
	startPoller(t, poller)

	require.Eventually(t, func() bool {
		view, ok := poller.Current()
		return ok && view.Revision == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.False(t, poller.Deleted())
}

func TestNotifierKeepsLatestView(t *testing.T) {
	notifier := syncclient.NewNotifier()
	ch, cancel := notifier.Subscribe("s1")
	defer cancel()

	notifier.Publish(collab.Session{SessionID: "s1", Revision: 1}, nil)
	notifier.Publish(collab.Session{SessionID: "s1", Revision: 2}, nil)
	notifier.Publish(collab.Session{SessionID: "other", Revision: 9}, nil)

	view := <-ch
	require.EqualValues(t, 2, view.Revision)

	notifier.Publish(collab.Session{SessionID: "s1", Revision: 3}, ch)
	select {
	case <-ch:
		t.Fatal("publisher must not receive its own view")
	default:
	}
}
