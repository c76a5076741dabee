// Package oidc implements the client side of the OpenID Connect
// authorization-code exchange used to authenticate VPN connections.
//
// The package covers four steps:
//
//   - Discovery: fetching and validating a provider's well-known document
//   - State: generating the anti-CSRF state and nonce bound to one attempt
//   - Authorization: driving an interactive Session until the provider
//     redirects back with a code, or the user gives up
//   - Credentials: turning the authorization result into the username and
//     password answered to the VPN client's prompts
//
// Token exchange is not performed here. The authorization code travels to
// the VPN server inside the password and is redeemed there.
//
// # Sessions
//
// A Session is the interactive surface the user signs in with. It raises
// two events, RedirectObserved and Closed, and accepts one command, Close.
// LoopbackSession serves loopback redirect URIs itself and opens the system
// browser; PasteSession asks the user to paste the final redirected address
// when the redirect URI points elsewhere.
package oidc
