package oidc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	httphelper "github.com/zitadel/oidc/v3/pkg/http"
	zoidc "github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/yllada/vpn-sso/common"
)

// ProviderMetadata is the subset of a provider's discovery document the
// client relies on. It is fetched per attempt and never cached.
type ProviderMetadata struct {
	AuthorizationEndpoint  string
	UserinfoEndpoint       string
	ResponseTypesSupported []string
	ScopesSupported        []string
}

// Discoverer fetches provider metadata.
type Discoverer struct {
	// HTTPClient is used for the request. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Timeout bounds the request; zero means no bound beyond ctx.
	Timeout time.Duration
}

// Discover fetches service.WellKnown and validates that the provider
// supports the code response type and the openid and email scopes.
func (d *Discoverer) Discover(ctx context.Context, service *common.AuthService) (*ProviderMetadata, error) {
	client := limitedClient(d.HTTPClient)
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service.WellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDiscoveryUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")

	doc := new(zoidc.DiscoveryConfiguration)
	if err := httphelper.HttpRequest(client, req, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDiscoveryUnreachable, err)
	}

	return validateMetadata(doc)
}

func validateMetadata(doc *zoidc.DiscoveryConfiguration) (*ProviderMetadata, error) {
	if doc.AuthorizationEndpoint == "" || doc.UserinfoEndpoint == "" {
		return nil, common.ErrMissingEndpoint
	}
	if !common.StringInSlice(common.RequiredResponseType, doc.ResponseTypesSupported) {
		return nil, common.ErrUnsupportedResponseType
	}
	for _, scope := range common.RequiredScopes {
		if !common.StringInSlice(scope, doc.ScopesSupported) {
			return nil, fmt.Errorf("%w: %s", common.ErrUnsupportedScope, scope)
		}
	}

	return &ProviderMetadata{
		AuthorizationEndpoint:  doc.AuthorizationEndpoint,
		UserinfoEndpoint:       doc.UserinfoEndpoint,
		ResponseTypesSupported: doc.ResponseTypesSupported,
		ScopesSupported:        doc.ScopesSupported,
	}, nil
}

// maxDocumentSize bounds the well-known document read from a provider.
const maxDocumentSize = 1 << 20

var errDocumentTooLarge = errors.New("discovery document exceeds 1 MiB")

// limitedClient returns a copy of client whose response bodies fail once
// they exceed maxDocumentSize.
func limitedClient(client *http.Client) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}
	c := *client
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.Transport = limitTransport{base: base}
	return &c
}

type limitTransport struct {
	base http.RoundTripper
}

func (t limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &limitedBody{ReadCloser: resp.Body, remaining: maxDocumentSize}
	return resp, nil
}

type limitedBody struct {
	io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, errDocumentTooLarge
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.ReadCloser.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n, errDocumentTooLarge
	}
	return n, err
}
