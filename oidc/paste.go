package oidc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/yllada/vpn-sso/common"
)

// PasteSession is used when the redirect URI is not served locally. The
// user signs in with any browser and pastes the address the provider
// redirected to. An empty line or end of input closes the session.
type PasteSession struct {
	feed        *lineFeed
	out         io.Writer
	openBrowser func(string) error

	mu     sync.Mutex
	events *eventSink
}

// NewPasteSession creates a session reading pasted URLs from in. Sessions
// on the same reader share one line reader, so a closed session never
// consumes input meant for a later one.
func NewPasteSession(in io.Reader, out io.Writer, open func(string) error) *PasteSession {
	return &PasteSession{feed: feedFor(in), out: out, openBrowser: open}
}

// Open prints the instructions and starts receiving input.
func (s *PasteSession) Open(ctx context.Context, authURL, redirectPrefix string) (<-chan SessionEvent, error) {
	s.mu.Lock()
	s.events = newEventSink()
	events := s.events.ch
	s.mu.Unlock()

	fmt.Fprintf(s.out, "Open the following address in your browser and sign in:\n\n  %s\n\n", authURL)
	fmt.Fprintf(s.out, "Then paste the address you were redirected to (it starts with %s).\n", redirectPrefix)
	fmt.Fprintf(s.out, "Submit an empty line to cancel.\n> ")

	if s.openBrowser != nil {
		if err := s.openBrowser(authURL); err != nil {
			common.LogDebug("Failed to open browser: %v", err)
		}
	}

	s.feed.subscribe(s)
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return events, nil
}

// deliver is called by the feed with its lock held.
func (s *PasteSession) deliver(line string, eof bool) {
	line = strings.TrimSpace(line)
	if eof || line == "" {
		s.feed.unsubscribeLocked(s)
		s.closeEvents()
		return
	}
	s.mu.Lock()
	s.events.emit(SessionEvent{Kind: EventRedirect, URL: line})
	s.mu.Unlock()
}

// Close raises EventClosed if the session was still open and stops it
// from receiving input.
func (s *PasteSession) Close() error {
	s.feed.unsubscribe(s)
	s.closeEvents()
	return nil
}

func (s *PasteSession) closeEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events != nil {
		s.events.close()
	}
}

var (
	feedsMu sync.Mutex
	feeds   = make(map[io.Reader]*lineFeed)
)

// lineFeed reads one input stream for the life of the process and hands
// each line to the session currently subscribed. Lines arriving with no
// subscriber are dropped.
type lineFeed struct {
	in io.Reader

	mu      sync.Mutex
	started bool
	sub     *PasteSession
	eof     bool
}

func feedFor(in io.Reader) *lineFeed {
	feedsMu.Lock()
	defer feedsMu.Unlock()
	if f, ok := feeds[in]; ok {
		return f
	}
	f := &lineFeed{in: in}
	feeds[in] = f
	return f
}

func (f *lineFeed) read() {
	scanner := bufio.NewScanner(f.in)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		f.mu.Lock()
		if f.sub != nil {
			f.sub.deliver(scanner.Text(), false)
		} else {
			common.LogDebug("Ignoring input with no authorization pending")
		}
		f.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		common.LogWarn("Reading pasted input failed: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.eof = true
	if f.sub != nil {
		f.sub.deliver("", true)
	}
}

// subscribe makes s the receiver of input, replacing any previous one.
// The stream is read from the first subscription on.
func (f *lineFeed) subscribe(s *PasteSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eof {
		s.closeEvents()
		return
	}
	f.sub = s
	if !f.started {
		f.started = true
		go f.read()
	}
}

func (f *lineFeed) unsubscribe(s *PasteSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribeLocked(s)
}

func (f *lineFeed) unsubscribeLocked(s *PasteSession) {
	if f.sub == s {
		f.sub = nil
	}
}
