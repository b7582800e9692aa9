// Command sessionwatch follows a collaborative session from the terminal, printing
// membership and permission changes as the local view converges with the server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/charlesng35/cosession/internal/collab"
	"github.com/charlesng35/cosession/internal/syncclient"
	"github.com/charlesng35/cosession/pkg/logger"
)

const leaveTimeout = 5 * time.Second

type options struct {
	server   string
	session  string
	join     bool
	nickname string
	interval time.Duration
	watch    bool
	logLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("sessionwatch", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVarP(&opts.server, "server", "s", "http://localhost:3003", "Coordinator base URL")
	fs.StringVar(&opts.session, "session", "", "Session identifier to follow")
	fs.BoolVarP(&opts.join, "join", "j", false, "Join the session as a participant (creates one when --session is empty)")
	fs.StringVarP(&opts.nickname, "nickname", "n", "", "Nickname to set after joining")
	fs.DurationVarP(&opts.interval, "interval", "i", 0, "Polling interval (defaults to the server hint)")
	fs.BoolVarP(&opts.watch, "watch", "w", false, "Subscribe to the push stream to refresh immediately")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "Log level")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if !opts.join && opts.session == "" {
		return options{}, errors.New("--session is required unless --join is set")
	}
	if opts.nickname != "" && !opts.join {
		return options{}, errors.New("--nickname requires --join")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseFlags(args, out)
	if err != nil {
		return err
	}

	if err := logger.Configure(logger.Options{Level: opts.logLevel, Format: "console"}); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort
	log := logger.WithModule("sessionwatch")

	client, err := syncclient.NewClient(opts.server)
	if err != nil {
		return err
	}

	sessionID, userID := opts.session, ""
	interval := opts.interval

	if opts.join {
		joined, meta, err := client.Join(ctx, opts.session)
		if err != nil {
			return fmt.Errorf("join session: %w", err)
		}
		sessionID, userID = joined.Session.SessionID, joined.CurrentUserID
		if interval <= 0 {
			interval = meta.PollInterval()
		}
		fmt.Fprintf(out, "joined %s as %s\n", sessionID, userID)

		defer func() {
			leaveCtx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
			defer cancel()
			if _, err := client.Remove(leaveCtx, sessionID, userID); err != nil && !errors.Is(err, collab.ErrNotFound) {
				log.Warn("leave session failed", zap.Error(err))
				return
			}
			fmt.Fprintf(out, "left %s\n", sessionID)
		}()

		if opts.nickname != "" {
			nickname := opts.nickname
			if _, err := client.UpdateParticipant(ctx, sessionID, userID, collab.ParticipantUpdate{Nickname: &nickname}); err != nil {
				return fmt.Errorf("set nickname: %w", err)
			}
		}

		if locator, err := client.Share(ctx, sessionID); err == nil {
			fmt.Fprintf(out, "share: %s\n", locator.URL)
		}
	}

	poller := syncclient.NewPoller(client, sessionID, syncclient.WithInterval(interval))
	changes := poller.Changes()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return poller.Run(groupCtx) })
	if opts.watch {
		group.Go(func() error {
			if err := poller.Watch(groupCtx, nil, client.StreamURL(sessionID, userID)); err != nil {
				// Polling keeps the view converging without the stream.
				log.Warn("push stream unavailable", zap.Error(err))
			}
			return nil
		})
	}
	group.Go(func() error {
		var previous *collab.Session
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-poller.Gone():
				fmt.Fprintf(out, "session %s deleted\n", sessionID)
				return nil
			case next := <-changes:
				for _, line := range describeChanges(previous, next, userID) {
					fmt.Fprintln(out, line)
				}
				view := next
				previous = &view
			}
		}
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// describeChanges renders the differences between two views of a session. A nil previous
// view produces a full roster.
func describeChanges(previous *collab.Session, next collab.Session, self string) []string {
	label := func(p collab.Participant) string {
		name := p.Nickname
		if p.UserID == self {
			name += " (you)"
		}
		return fmt.Sprintf("%s [%s]", name, p.UserID)
	}

	if previous == nil {
		lines := []string{fmt.Sprintf("session %s rev %d: %d participant(s)", next.SessionID, next.Revision, len(next.Users))}
		for _, p := range next.Users {
			lines = append(lines, "  "+label(p)+roleSuffix(next, p.UserID))
		}
		return lines
	}

	var lines []string
	for _, p := range next.Users {
		before, ok := previous.Participant(p.UserID)
		switch {
		case !ok:
			lines = append(lines, "+ "+label(p)+" joined")
		case before.Nickname != p.Nickname:
			lines = append(lines, fmt.Sprintf("~ %s renamed from %q", label(p), before.Nickname))
		}
		if ok && before.IsOnline != p.IsOnline {
			state := "offline"
			if p.IsOnline {
				state = "online"
			}
			lines = append(lines, fmt.Sprintf("~ %s is %s", label(p), state))
		}
		if ok && previous.IsEditor(p.UserID) != next.IsEditor(p.UserID) && p.UserID != next.AdminUserID {
			if next.IsEditor(p.UserID) {
				lines = append(lines, "~ "+label(p)+" can edit")
			} else {
				lines = append(lines, "~ "+label(p)+" is read-only")
			}
		}
	}
	for _, p := range previous.Users {
		if _, ok := next.Participant(p.UserID); !ok {
			lines = append(lines, "- "+label(p)+" left")
		}
	}
	if previous.AdminUserID != next.AdminUserID {
		if admin, ok := next.Participant(next.AdminUserID); ok {
			lines = append(lines, "* "+label(admin)+" is now admin")
		}
	}
	return lines
}

func roleSuffix(s collab.Session, userID string) string {
	switch {
	case s.AdminUserID == userID:
		return " admin"
	case s.IsEditor(userID):
		return " editor"
	default:
		return ""
	}
}
