// Package common provides shared constants, types, and utilities
// used across the VPN SSO client.
package common

// ConnectionState represents the state of the single connection slot.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateAuthenticating
	StateLaunching
	StateConnected
	StateFailing
)

// String returns a human-readable state string.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateAuthenticating:
		return "Authenticating..."
	case StateLaunching:
		return "Launching..."
	case StateConnected:
		return "Connected"
	case StateFailing:
		return "Failing"
	default:
		return "Unknown"
	}
}

// AuthService describes one identity provider a user may connect through.
// Records are loaded from the services file and never modified.
type AuthService struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	WellKnown   string `json:"wellknown" yaml:"wellknown"`
	ClientID    string `json:"clientid" yaml:"clientid"`
	Redirect    string `json:"redirect" yaml:"redirect"`
	Profile     string `json:"profile" yaml:"profile"`
}

// Observer receives connection events. It is the boundary to whatever
// front end displays state and logs.
type Observer interface {
	// OnStateChange is called after every state transition.
	OnStateChange(old, new ConnectionState, service *AuthService)
	// OnLog receives user-facing log lines.
	OnLog(line string)
}

// Notifier defines the interface for sending notifications.
type Notifier interface {
	// Notify sends a notification with the given title and message.
	Notify(title, message string) error
	// NotifyWithIcon sends a notification with a custom icon.
	NotifyWithIcon(title, message, icon string) error
}

// Observers fans events out to several observers.
type Observers []Observer

// OnStateChange forwards the transition to every observer.
func (o Observers) OnStateChange(old, new ConnectionState, service *AuthService) {
	for _, obs := range o {
		obs.OnStateChange(old, new, service)
	}
}

// OnLog forwards the line to every observer.
func (o Observers) OnLog(line string) {
	for _, obs := range o {
		obs.OnLog(line)
	}
}
