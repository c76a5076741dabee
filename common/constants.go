// Package common provides shared constants, types, and utilities
// used across the VPN SSO client.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "com.vpnsso.client"
	// AppName is the display name of the application.
	AppName = "VPN SSO"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "vpn-sso"
)

// File names used by the application.
const (
	ConfigFileName   = "config.yaml"
	ServicesFileName = "config.json"
	ProfilesDirName  = "profiles"
	HistoryFileName  = "history.db"
	LogFileName      = "vpn-sso.log"
)

// Default timeouts and intervals.
const (
	// DiscoveryTimeout bounds the fetch of a provider's well-known document.
	DiscoveryTimeout = 15 * time.Second
	// AuthTimeout bounds how long an authorization session may stay pending.
	AuthTimeout = 5 * time.Minute
	// ConnectionTimeout is the maximum time between spawning the VPN client
	// and the tunnel reporting that initialization completed.
	ConnectionTimeout = 60 * time.Second
	// InterruptGrace is how long a process gets to exit after SIGINT
	// before it is killed.
	InterruptGrace = 5 * time.Second
	// HealthCheckInterval is how often an established tunnel is probed.
	HealthCheckInterval = 30 * time.Second
)

// OpenVPN binary names and prompts.
const (
	OpenVPNName = "OpenVPN"

	PromptUsername  = "Enter Auth Username:"
	PromptPassword  = "Enter Auth Password:"
	PromptConnected = "Initialization Sequence Completed"
)

// OIDC request parameters.
const (
	// StatePrefix is the fixed leading component of every state value.
	StatePrefix = "security_token"
	// StateRandomBytes is the size of the random component of state and nonce.
	StateRandomBytes = 64
	// UsernameRandomBytes is the size of the random component of a VPN username.
	UsernameRandomBytes = 16
)

// OIDC requirements checked against provider metadata.
var (
	RequiredResponseType = "code"
	RequiredScopes       = []string{"openid", "email"}
)
