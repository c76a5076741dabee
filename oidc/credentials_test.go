package oidc

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-sso/common"
)

func TestSynthesize(t *testing.T) {
	service := &common.AuthService{ID: "corp-vpn"}
	result := &AuthorizationResult{Service: service.ID, Code: "abc123"}

	creds := Synthesize(service, result)

	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9+/=]+@corp-vpn$`), creds.Username)

	raw, err := base64.StdEncoding.DecodeString(creds.Password)
	require.NoError(t, err)
	assert.JSONEq(t, `{"service":"corp-vpn","code":"abc123"}`, string(raw))

	var decoded AuthorizationResult
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, *result, decoded)
}

func TestSynthesize_UniqueUsernames(t *testing.T) {
	service := &common.AuthService{ID: "corp"}
	result := &AuthorizationResult{Service: "corp", Code: "x"}

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		creds := Synthesize(service, result)
		assert.False(t, seen[creds.Username], "username repeated: %s", creds.Username)
		seen[creds.Username] = true
	}
}
