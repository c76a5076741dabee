package oidc

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/yllada/vpn-sso/common"
)

// AuthState binds one authorization attempt. The state value embeds the
// redirect URI so an intercepted callback can be checked without lookup.
// It is single-use: the first Resolve consumes it whatever the outcome.
type AuthState struct {
	Value          string
	Nonce          string
	RedirectPrefix string

	mu   sync.Mutex
	used bool
}

// NewAuthState generates a fresh state and nonce for redirect.
func NewAuthState(redirect string) *AuthState {
	return &AuthState{
		Value:          common.StatePrefix + ":" + randomBase64(common.StateRandomBytes) + ":" + redirect,
		Nonce:          randomBase64(common.StateRandomBytes),
		RedirectPrefix: redirect,
	}
}

func randomBase64(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

// Matches reports whether rawURL falls under the redirect prefix.
func (s *AuthState) Matches(rawURL string) bool {
	return strings.HasPrefix(rawURL, s.RedirectPrefix)
}

// Resolve validates the callback URL against the state and extracts the
// authorization code. The code is only read after the state matched.
func (s *AuthState) Resolve(rawURL, serviceID string) (*AuthorizationResult, error) {
	s.mu.Lock()
	used := s.used
	s.used = true
	s.mu.Unlock()
	if used {
		return nil, fmt.Errorf("%w: state already consumed", common.ErrStateMismatch)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStateMismatch, err)
	}
	query := u.Query()

	got := query.Get("state")
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.Value)) != 1 {
		return nil, common.ErrStateMismatch
	}

	if providerErr := query.Get("error"); providerErr != "" {
		if desc := query.Get("error_description"); desc != "" {
			return nil, fmt.Errorf("%w: %s: %s", common.ErrAuthDenied, providerErr, desc)
		}
		return nil, fmt.Errorf("%w: %s", common.ErrAuthDenied, providerErr)
	}

	code := query.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: no authorization code in response", common.ErrAuthDenied)
	}

	return &AuthorizationResult{Service: serviceID, Code: code}, nil
}
