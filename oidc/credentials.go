package oidc

import (
	"encoding/base64"
	"encoding/json"

	"github.com/yllada/vpn-sso/common"
)

// AuthorizationResult is the outcome of a successful authorization.
// It is handed to the VPN server untouched inside the password.
type AuthorizationResult struct {
	Service string `json:"service"`
	Code    string `json:"code"`
}

// Credentials answer the VPN client's auth prompts. They are never
// persisted and live only for one spawn.
type Credentials struct {
	Username string
	Password string
}

// Synthesize derives transport credentials from an authorization result.
// The username is a random, non-identifying value routed by service ID;
// the password carries the result for the server's own token exchange.
func Synthesize(service *common.AuthService, result *AuthorizationResult) Credentials {
	payload, _ := json.Marshal(result)
	return Credentials{
		Username: randomBase64(common.UsernameRandomBytes) + "@" + service.ID,
		Password: base64.StdEncoding.EncodeToString(payload),
	}
}
