package vpn

import (
	"regexp"

	"github.com/yllada/vpn-sso/common"
)

// PromptKind classifies a line of VPN client output.
type PromptKind int

const (
	// PromptNone is ordinary log output.
	PromptNone PromptKind = iota
	// PromptUsername asks for the auth username.
	PromptUsername
	// PromptPassword asks for the auth password.
	PromptPassword
	// PromptConnected reports that the tunnel is up.
	PromptConnected
	// PromptAuthFailed reports that the server rejected the credentials.
	PromptAuthFailed
)

// String returns a human-readable prompt kind.
func (k PromptKind) String() string {
	switch k {
	case PromptUsername:
		return "Username"
	case PromptPassword:
		return "Password"
	case PromptConnected:
		return "Connected"
	case PromptAuthFailed:
		return "AuthFailed"
	default:
		return "None"
	}
}

// PromptMatcher recognizes the interactive prompts of a VPN client.
// Supporting another client means supplying another matcher.
type PromptMatcher interface {
	// Match classifies a raw output line.
	Match(line string) PromptKind
	// Clean strips client decoration (timestamps) from a log line.
	Clean(line string) string
}

var (
	openvpnUsername   = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(common.PromptUsername))
	openvpnPassword   = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(common.PromptPassword))
	openvpnConnected  = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(common.PromptConnected))
	openvpnAuthFailed = regexp.MustCompile(`AUTH_FAILED`)

	// 2021-09-12 21:18:53
	openvpnTimestamp = regexp.MustCompile(`^\s*\d\d\d\d-\d\d-\d\d\s*\d\d:\d\d:\d\d\s*`)
)

// OpenVPNPrompts matches the prompts printed by OpenVPN 2.x.
type OpenVPNPrompts struct{}

// Match implements PromptMatcher.
func (OpenVPNPrompts) Match(line string) PromptKind {
	switch {
	case openvpnUsername.MatchString(line):
		return PromptUsername
	case openvpnPassword.MatchString(line):
		return PromptPassword
	case openvpnConnected.MatchString(line):
		return PromptConnected
	case openvpnAuthFailed.MatchString(line):
		return PromptAuthFailed
	default:
		return PromptNone
	}
}

// Clean implements PromptMatcher.
func (OpenVPNPrompts) Clean(line string) string {
	return openvpnTimestamp.ReplaceAllString(line, "")
}

// expectsInput reports whether kind is a prompt the client waits on.
func expectsInput(kind PromptKind) bool {
	return kind == PromptUsername || kind == PromptPassword
}
