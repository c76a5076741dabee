package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-sso/common"
)

const servicesJSON = `{
	"authservices": [
		{
			"id": "google-oidc",
			"name": "Google",
			"description": "Sign in with Google",
			"wellknown": "https://accounts.google.com/.well-known/openid-configuration",
			"clientid": "client-1",
			"redirect": "http://localhost:8910/oidc",
			"profile": "google.ovpn"
		},
		{
			"id": "keycloak-oidc",
			"name": "Keycloak",
			"wellknown": "https://keycloak.example.com/realms/demo/.well-known/openid-configuration",
			"clientid": "client-2",
			"redirect": "https://vpn.example.com/oidc",
			"profile": "keycloak.ovpn"
		}
	]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadServices_JSON(t *testing.T) {
	services, err := LoadServices(writeFile(t, "config.json", servicesJSON))
	require.NoError(t, err)
	require.Len(t, services, 2)

	assert.Equal(t, "google-oidc", services[0].ID)
	assert.Equal(t, "Sign in with Google", services[0].Description)
	assert.Equal(t, "http://localhost:8910/oidc", services[0].Redirect)
	assert.Equal(t, "keycloak.ovpn", services[1].Profile)
}

func TestLoadServices_YAML(t *testing.T) {
	content := `authservices:
  - id: corp
    name: Corp
    wellknown: https://idp.corp/.well-known/openid-configuration
    clientid: vpn
    redirect: http://127.0.0.1:9000/cb
    profile: corp.ovpn
`
	services, err := LoadServices(writeFile(t, "services.yaml", content))
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, "vpn", services[0].ClientID)
}

func TestLoadServices_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing list", `{"services": []}`},
		{"invalid json", `{"authservices": [`},
		{"missing id", `{"authservices": [{"name": "x", "wellknown": "https://a/b", "clientid": "c", "redirect": "https://r", "profile": "p"}]}`},
		{"relative wellknown", `{"authservices": [{"id": "a", "name": "x", "wellknown": "/b", "clientid": "c", "redirect": "https://r", "profile": "p"}]}`},
		{"bad redirect scheme", `{"authservices": [{"id": "a", "name": "x", "wellknown": "https://a/b", "clientid": "c", "redirect": "ftp://r", "profile": "p"}]}`},
		{"duplicate id", `{"authservices": [
			{"id": "a", "name": "x", "wellknown": "https://a/b", "clientid": "c", "redirect": "https://r", "profile": "p"},
			{"id": "a", "name": "y", "wellknown": "https://a/b", "clientid": "c", "redirect": "https://r", "profile": "p"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadServices(writeFile(t, "config.json", tt.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, common.ErrConfigLoad))
		})
	}
}

func TestLoadServices_EmptyListIsValid(t *testing.T) {
	services, err := LoadServices(writeFile(t, "config.json", `{"authservices": []}`))
	require.NoError(t, err)
	assert.Empty(t, services)
}

func TestFindService(t *testing.T) {
	services, err := LoadServices(writeFile(t, "config.json", servicesJSON))
	require.NoError(t, err)

	svc, err := FindService(services, "keycloak-oidc")
	require.NoError(t, err)
	assert.Equal(t, "Keycloak", svc.Name)

	_, err = FindService(services, "missing")
	assert.True(t, errors.Is(err, common.ErrServiceNotFound))
}
