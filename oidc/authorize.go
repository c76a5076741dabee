package oidc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/yllada/vpn-sso/common"
)

// BuildAuthURL returns the authorization URL for service against endpoint
// carrying client_id, response_type=code, scope, redirect_uri, state and nonce.
func BuildAuthURL(service *common.AuthService, endpoint string, state *AuthState) string {
	cfg := oauth2.Config{
		ClientID:    service.ClientID,
		Endpoint:    oauth2.Endpoint{AuthURL: endpoint},
		RedirectURL: service.Redirect,
		Scopes:      common.RequiredScopes,
	}
	return cfg.AuthCodeURL(state.Value, oauth2.SetAuthURLParam("nonce", state.Nonce))
}

// Flow drives the interactive authorization-code exchange.
type Flow struct {
	// NewSession builds the interactive surface for a service.
	NewSession func(service *common.AuthService) (Session, error)
	// Timeout bounds how long the user may take; zero means unbounded.
	Timeout time.Duration
}

// Authorize opens a session on the authorization endpoint and blocks until
// the redirect is observed, the session closes, or ctx ends. Cancelling
// ctx closes the session and is reported as ErrAuthAborted.
func (f *Flow) Authorize(ctx context.Context, service *common.AuthService, endpoint string) (*AuthorizationResult, error) {
	if f.NewSession == nil {
		return nil, errors.New("no authorization session factory configured")
	}

	session, err := f.NewSession(service)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	state := NewAuthState(service.Redirect)
	authURL := BuildAuthURL(service, endpoint, state)
	common.LogDebug("Authorization URL for %s: %s", service.ID, authURL)

	events, err := session.Open(ctx, authURL, state.RedirectPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to open authorization session: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, common.ErrAuthTimeout
			}
			return nil, common.ErrAuthAborted
		case ev, ok := <-events:
			if !ok || ev.Kind == EventClosed {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, common.ErrAuthTimeout
				}
				return nil, common.ErrAuthAborted
			}
			if !state.Matches(ev.URL) {
				common.LogDebug("Ignoring navigation outside redirect URI")
				continue
			}
			result, err := state.Resolve(ev.URL, service.ID)
			if err != nil {
				common.LogWarn("Authorization callback rejected for %s: %v", service.ID, err)
				return nil, err
			}
			common.LogInfo("Authorization code received for %s", service.ID)
			return result, nil
		}
	}
}
