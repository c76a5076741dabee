// Package notify shows desktop notifications for connection events.
package notify

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpn-sso/common"
)

const (
	dbusDest   = "org.freedesktop.Notifications"
	dbusPath   = "/org/freedesktop/Notifications"
	dbusMethod = dbusDest + ".Notify"

	expireTimeout = int32(5000)
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotificationInfo NotificationType = iota
	NotificationSuccess
	NotificationWarning
	NotificationError
)

// Notification represents a desktop notification
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Icon    string
}

// icon returns the explicit icon or the default for the type.
func (n Notification) icon() string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Type {
	case NotificationWarning:
		return "dialog-warning"
	case NotificationError:
		return "dialog-error"
	default:
		return "network-vpn"
	}
}

// urgency maps the type to the freedesktop urgency level.
func (n Notification) urgency() byte {
	switch n.Type {
	case NotificationError:
		return 2
	case NotificationWarning:
		return 1
	default:
		return 0
	}
}

// Sender delivers a notification.
type Sender interface {
	Send(n Notification) error
}

// DBusSender talks to the session bus notification daemon.
type DBusSender struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

// NewDBusSender connects to the session bus.
func NewDBusSender() (*DBusSender, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &DBusSender{conn: conn}, nil
}

// Send implements Sender.
func (s *DBusSender) Send(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hints := map[string]dbus.Variant{
		"urgency":       dbus.MakeVariant(n.urgency()),
		"desktop-entry": dbus.MakeVariant(common.AppID),
	}
	obj := s.conn.Object(dbusDest, dbus.ObjectPath(dbusPath))
	call := obj.Call(dbusMethod, 0,
		common.AppName, uint32(0), n.icon(), n.Title, n.Message,
		[]string{}, hints, expireTimeout)
	if call.Err != nil {
		return fmt.Errorf("failed to send notification: %w", call.Err)
	}
	return nil
}

// Close closes the bus connection.
func (s *DBusSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Notifier turns connection events into notifications. It satisfies both
// common.Notifier and common.Observer.
type Notifier struct {
	sender Sender
}

// New creates a Notifier delivering through sender.
func New(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

// Notify sends a notification with the default icon.
func (n *Notifier) Notify(title, message string) error {
	return n.sender.Send(Notification{Title: title, Message: message})
}

// NotifyWithIcon sends a notification with a custom icon.
func (n *Notifier) NotifyWithIcon(title, message, icon string) error {
	return n.sender.Send(Notification{Title: title, Message: message, Icon: icon})
}

// OnStateChange implements common.Observer.
func (n *Notifier) OnStateChange(old, new common.ConnectionState, service *common.AuthService) {
	name := service.Name
	var note Notification

	switch {
	case new == common.StateAuthenticating:
		note = Notification{Title: "Connecting VPN", Message: "Sign in to " + name + " to continue", Icon: "network-vpn-acquiring"}
	case new == common.StateConnected:
		note = Notification{Title: "VPN Connected", Message: "Connected to " + name, Type: NotificationSuccess}
	case new == common.StateFailing:
		note = Notification{Title: "Connection Error", Message: "Connection to " + name + " failed", Type: NotificationError, Icon: "network-vpn-error"}
	case new == common.StateDisconnected && old == common.StateConnected:
		note = Notification{Title: "VPN Disconnected", Message: "Disconnected from " + name, Icon: "network-vpn-disconnected"}
	default:
		return
	}

	if err := n.sender.Send(note); err != nil {
		common.LogDebug("Notification not shown: %v", err)
	}
}

// OnLog implements common.Observer. Log lines are not notified.
func (n *Notifier) OnLog(string) {}
