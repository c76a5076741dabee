package oidc

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/yllada/vpn-sso/common"
)

// EventKind identifies what a Session observed.
type EventKind int

const (
	// EventRedirect reports a navigation to a URL under the redirect prefix.
	EventRedirect EventKind = iota
	// EventClosed reports that the surface went away before completing.
	EventClosed
)

// SessionEvent is raised by a Session.
type SessionEvent struct {
	Kind EventKind
	URL  string
}

// Session is an isolated interactive surface used for one authorization.
// Open starts it on authURL and returns the channel its events arrive on;
// Close tears it down and is equivalent to the user aborting.
type Session interface {
	Open(ctx context.Context, authURL, redirectPrefix string) (<-chan SessionEvent, error)
	Close() error
}

// SessionOptions tunes the sessions built by NewSession.
type SessionOptions struct {
	// OpenBrowser launches the system browser on the authorization URL.
	OpenBrowser bool
	// In is read by PasteSession; defaults to os.Stdin.
	In io.Reader
	// Out receives instructions from PasteSession; defaults to os.Stdout.
	Out io.Writer
}

// NewSession picks a session for the redirect URI: a LoopbackSession when
// the redirect points at this machine over http, a PasteSession otherwise.
func NewSession(redirect string, opts SessionOptions) (Session, error) {
	u, err := url.Parse(redirect)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI %q: %w", redirect, err)
	}

	var open func(string) error
	if opts.OpenBrowser {
		open = OpenBrowser
	}

	if u.Scheme == "http" && common.IsLoopbackHost(u.Hostname()) {
		return NewLoopbackSession(redirect, open)
	}

	in, out := opts.In, opts.Out
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return NewPasteSession(in, out, open), nil
}

// eventSink delivers events until closed. Sends never block.
type eventSink struct {
	ch     chan SessionEvent
	closed bool
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan SessionEvent, 8)}
}

// emit must be called with the owning session's lock held.
func (s *eventSink) emit(ev SessionEvent) {
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		common.LogWarn("Authorization session dropped an event, consumer is not reading")
	}
}

// close raises EventClosed and closes the channel. Must be called with the
// owning session's lock held; returns false if already closed.
func (s *eventSink) close() bool {
	if s.closed {
		return false
	}
	s.emit(SessionEvent{Kind: EventClosed})
	s.closed = true
	close(s.ch)
	return true
}
