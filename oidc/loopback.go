package oidc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/yllada/vpn-sso/common"
)

const callbackPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Authentication</title></head>
<body><p>Authentication response received. You may now close this window.</p></body></html>
`

// LoopbackSession receives the provider's redirect on a local listener
// bound to the redirect URI's host and port. Only requests under the
// redirect prefix are reported; everything else gets a 404.
type LoopbackSession struct {
	redirect    *url.URL
	openBrowser func(string) error

	mu       sync.Mutex
	events   *eventSink
	server   *http.Server
	listener net.Listener
	prefix   string
}

// NewLoopbackSession prepares a session for a loopback http redirect URI.
// open, when non-nil, is called with the authorization URL.
func NewLoopbackSession(redirect string, open func(string) error) (*LoopbackSession, error) {
	u, err := url.Parse(redirect)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI %q: %w", redirect, err)
	}
	if u.Scheme != "http" || !common.IsLoopbackHost(u.Hostname()) {
		return nil, fmt.Errorf("redirect URI must be http on localhost, got %s", redirect)
	}
	return &LoopbackSession{redirect: u, openBrowser: open}, nil
}

// Open starts listening and opens the browser on authURL. The session
// closes itself when ctx is done.
func (s *LoopbackSession) Open(ctx context.Context, authURL, redirectPrefix string) (<-chan SessionEvent, error) {
	port := s.redirect.Port()
	if port == "" {
		port = "80"
	}
	addr := net.JoinHostPort(s.redirect.Hostname(), port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)

	s.mu.Lock()
	s.events = newEventSink()
	s.listener = ln
	s.prefix = redirectPrefix
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.server
	events := s.events.ch
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			common.LogError("Callback listener failed: %v", err)
			s.Close()
		}
	}()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	common.LogInfo("Waiting for authorization callback on %s", s.redirect.String())
	if s.openBrowser != nil {
		if err := s.openBrowser(authURL); err != nil {
			common.LogWarn("Failed to open browser: %v", err)
			common.LogInfo("Open your browser to: %s", authURL)
		}
	} else {
		common.LogInfo("Open your browser to: %s", authURL)
	}

	return events, nil
}

func (s *LoopbackSession) handle(w http.ResponseWriter, r *http.Request) {
	full := s.redirect.Scheme + "://" + s.redirect.Host + r.URL.RequestURI()

	s.mu.Lock()
	prefix := s.prefix
	s.mu.Unlock()

	if r.Method != http.MethodGet || len(full) < len(prefix) || full[:len(prefix)] != prefix {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(callbackPage))

	s.mu.Lock()
	s.events.emit(SessionEvent{Kind: EventRedirect, URL: full})
	s.mu.Unlock()
}

// Close stops the listener and raises EventClosed if the session was still open.
func (s *LoopbackSession) Close() error {
	s.mu.Lock()
	if s.events == nil || !s.events.close() {
		s.mu.Unlock()
		return nil
	}
	server := s.server
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
