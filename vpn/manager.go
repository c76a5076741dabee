package vpn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yllada/vpn-sso/common"
	"github.com/yllada/vpn-sso/config"
	"github.com/yllada/vpn-sso/history"
	"github.com/yllada/vpn-sso/oidc"
)

// Discoverer fetches provider metadata for a service.
type Discoverer interface {
	Discover(ctx context.Context, service *common.AuthService) (*oidc.ProviderMetadata, error)
}

// Authorizer runs the interactive authorization for a service.
type Authorizer interface {
	Authorize(ctx context.Context, service *common.AuthService, endpoint string) (*oidc.AuthorizationResult, error)
}

// HistoryRecorder stores finished attempts.
type HistoryRecorder interface {
	Add(ctx context.Context, e history.Entry) error
}

// Options configures a Manager. Discoverer, Authorizer, Runner and Killer
// are required; the rest are optional.
type Options struct {
	Services    []common.AuthService
	ProfilesDir string
	// Binary is the located VPN client. Empty means none was found and
	// every launch fails with ErrBinaryNotFound.
	Binary string
	Helper string

	Discoverer Discoverer
	Authorizer Authorizer
	Runner     Runner
	Killer     Killer
	Prompts    PromptMatcher

	ConnectTimeout time.Duration
	InterruptGrace time.Duration

	// Observer is called synchronously and must not block on the Manager.
	Observer common.Observer
	// Notifier raises desktop warnings that are not state changes, such
	// as an unhealthy tunnel.
	Notifier common.Notifier
	History  HistoryRecorder
	Versions *common.VersionInfo
	Health   *HealthChecker
}

// Manager is the connection orchestrator. It owns the single connection
// slot: at most one attempt is in flight and at most one VPN client runs.
type Manager struct {
	opts Options

	// connectMu serializes the teardown and install of attempts.
	connectMu sync.Mutex
	// stateMu orders transitions with their observer notifications.
	stateMu sync.Mutex

	mu      sync.Mutex
	state   common.ConnectionState
	current *attempt
	// last is the most recently finished attempt, kept for Wait.
	last *attempt
}

// attempt is one pass through discovery, authorization and launch.
type attempt struct {
	id      string
	service *common.AuthService
	ctx     context.Context
	cancel  context.CancelCauseFunc

	connectedOnce sync.Once
	connected     chan struct{}
	done          chan struct{}

	mu          sync.Mutex
	started     time.Time
	connectedAt time.Time
	err         error
}

// NewManager creates a connection orchestrator.
func NewManager(opts Options) *Manager {
	if opts.Prompts == nil {
		opts.Prompts = OpenVPNPrompts{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = common.ConnectionTimeout
	}
	if opts.InterruptGrace <= 0 {
		opts.InterruptGrace = common.InterruptGrace
	}
	if opts.Versions == nil {
		opts.Versions = &common.VersionInfo{}
	}

	m := &Manager{opts: opts, state: common.StateDisconnected}

	if opts.Health != nil {
		opts.Health.SetOnHealthChange(m.onHealthChange)
	}
	return m
}

// Services returns the configured authentication services.
func (m *Manager) Services() []common.AuthService {
	return m.opts.Services
}

// Status returns the current connection state.
func (m *Manager) Status() common.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the service of the attempt in flight, or nil.
func (m *Manager) Current() *common.AuthService {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.service
}

// Versions returns the version-info list.
func (m *Manager) Versions() []string {
	return m.opts.Versions.List()
}

// Connect authenticates against the service and launches the VPN client.
// It blocks until the tunnel is up or the attempt fails. Any attempt
// already in flight is torn down first. Cancelling ctx before the tunnel
// is up abandons the attempt; afterwards the tunnel stays up until
// Disconnect.
func (m *Manager) Connect(ctx context.Context, serviceID string) error {
	service, err := config.FindService(m.opts.Services, serviceID)
	if err != nil {
		return err
	}

	m.connectMu.Lock()
	m.mu.Lock()
	prev := m.current
	m.mu.Unlock()
	if prev != nil {
		common.LogInfo("Tearing down attempt %s for %s", prev.id, prev.service.ID)
		prev.cancel(common.ErrConnectInProgress)
		<-prev.done
	}

	a := m.newAttempt(service)
	m.mu.Lock()
	m.current = a
	m.mu.Unlock()
	m.connectMu.Unlock()

	go m.run(a)

	select {
	case <-a.connected:
		return nil
	case <-a.done:
		return a.result()
	case <-ctx.Done():
		a.cancel(fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err()))
		<-a.done
		return a.result()
	}
}

// Disconnect tears down the attempt in flight. The VPN client is always
// killed by name, even when no attempt is tracked.
func (m *Manager) Disconnect() error {
	// Waits out a Connect that is replacing an attempt, so the new one is
	// the one torn down.
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	a := m.current
	m.mu.Unlock()

	if a == nil {
		m.killStale()
		return common.ErrNotConnected
	}

	common.LogInfo("Disconnect requested for %s", a.service.ID)
	a.cancel(common.ErrCancelled)
	<-a.done
	return nil
}

// Wait blocks until the attempt in flight ends and returns its outcome:
// nil for a requested disconnect of an established tunnel. With nothing in
// flight it returns the outcome of the last finished attempt.
func (m *Manager) Wait() error {
	m.mu.Lock()
	a := m.current
	if a == nil {
		a = m.last
	}
	m.mu.Unlock()

	if a == nil {
		return nil
	}
	<-a.done
	return a.result()
}

func (m *Manager) newAttempt(service *common.AuthService) *attempt {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &attempt{
		id:        uuid.NewString(),
		service:   service,
		ctx:       ctx,
		cancel:    cancel,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
		started:   time.Now(),
	}
}

// run drives one attempt to completion.
func (m *Manager) run(a *attempt) {
	defer close(a.done)
	defer a.cancel(nil)

	m.transition(a, common.StateAuthenticating)
	m.logf("Loading \"%s\" connection information...", a.service.Name)

	meta, err := m.opts.Discoverer.Discover(a.ctx, a.service)
	if err != nil {
		m.finish(a, err)
		return
	}

	m.logf("Starting authentication with \"%s\"...", a.service.Name)
	result, err := m.opts.Authorizer.Authorize(a.ctx, a.service, meta.AuthorizationEndpoint)
	if err != nil {
		m.finish(a, err)
		return
	}
	if a.ctx.Err() != nil {
		m.finish(a, nil)
		return
	}

	creds := oidc.Synthesize(a.service, result)
	m.transition(a, common.StateLaunching)

	profile, err := ResolveProfile(m.opts.ProfilesDir, a.service.Profile)
	if err != nil {
		m.finish(a, err)
		return
	}
	if m.opts.Binary == "" {
		m.finish(a, common.ErrBinaryNotFound)
		return
	}

	m.killStale()
	m.logf("Running OpenVPN Client.")

	handle, err := m.opts.Runner.Start(a.ctx, StartOptions{
		Binary:  m.opts.Binary,
		Profile: profile,
		Helper:  m.opts.Helper,
		Prompts: m.opts.Prompts,
	}, m.lineHandler(a, creds))
	if err != nil {
		m.finish(a, err)
		return
	}

	timeout := time.NewTimer(m.opts.ConnectTimeout)
	defer timeout.Stop()
	connected := a.connected

	for {
		select {
		case <-connected:
			timeout.Stop()
			connected = nil
			if m.opts.Health != nil {
				m.opts.Health.Start(a.service.ID)
			}
		case <-timeout.C:
			m.logf("Tunnel not established within %v", m.opts.ConnectTimeout)
			m.transition(a, common.StateFailing)
			m.stop(handle)
			m.finish(a, common.ErrTimeout)
			return
		case <-a.ctx.Done():
			m.stop(handle)
			m.finish(a, nil)
			return
		case <-handle.Done():
			exit := handle.Wait()
			m.finish(a, exit.Err())
			return
		}
	}
}

// lineHandler answers prompts and forwards everything else to the log.
func (m *Manager) lineHandler(a *attempt, creds oidc.Credentials) LineHandler {
	prompts := m.opts.Prompts
	return func(line string, h Handle) {
		switch prompts.Match(line) {
		case PromptUsername:
			if err := h.Write(creds.Username); err != nil {
				common.LogError("Failed to send username: %v", err)
			}
			return
		case PromptPassword:
			if err := h.Write(creds.Password); err != nil {
				common.LogError("Failed to send password: %v", err)
			}
			return
		case PromptConnected:
			// Observers and Status see Connected before Connect returns.
			m.transition(a, common.StateConnected)
			a.markConnected()
		case PromptAuthFailed:
			common.LogWarn("VPN server rejected the credentials for %s", a.service.ID)
		}
		m.logf("[OpenVPN] %s", prompts.Clean(line))
	}
}

// stop interrupts the process, kills it after the grace period, and then
// kills any instance left by name.
func (m *Manager) stop(h Handle) {
	if h != nil {
		if err := h.Interrupt(); err != nil {
			common.LogDebug("Interrupt failed: %v", err)
		}
		select {
		case <-h.Done():
		case <-time.After(m.opts.InterruptGrace):
			common.LogWarn("OpenVPN did not exit after interrupt, killing PID %d", h.PID())
			_ = h.Kill()
		}
	}
	m.killStale()
}

func (m *Manager) killStale() {
	if m.opts.Binary == "" || m.opts.Killer == nil {
		return
	}
	common.LogInfo("Killing running OpenVPN clients")
	_ = m.opts.Killer.KillAll(m.opts.Binary)
}

// finish settles the attempt, records it and releases the slot. A
// cancellation cause, when present, takes precedence over err.
func (m *Manager) finish(a *attempt, err error) {
	if m.opts.Health != nil {
		m.opts.Health.Stop()
	}

	if a.ctx.Err() != nil {
		err = context.Cause(a.ctx)
		if a.isConnected() && errors.Is(err, common.ErrCancelled) {
			err = nil
		}
	}
	a.setResult(err)

	switch {
	case err == nil:
		m.logf("Disconnected from \"%s\".", a.service.Name)
	case errors.Is(err, common.ErrCancelled), errors.Is(err, common.ErrConnectInProgress):
		m.logf("Connection to \"%s\" stopped: %v", a.service.Name, err)
	default:
		m.transition(a, common.StateFailing)
		m.logf("Error: %v", err)
		common.LogError("Attempt %s for %s failed: %v", a.id, a.service.ID, err)
	}

	m.record(a, err)
	m.transition(a, common.StateDisconnected)

	m.mu.Lock()
	if m.current == a {
		m.current = nil
	}
	m.last = a
	m.mu.Unlock()
}

func (m *Manager) record(a *attempt, err error) {
	if m.opts.History == nil {
		return
	}

	entry := history.Entry{
		ID:          a.id,
		ServiceID:   a.service.ID,
		ServiceName: a.service.Name,
		Started:     a.started,
		Connected:   a.connectedTime(),
		Ended:       time.Now(),
		Outcome:     history.OutcomeDisconnected,
	}

	var exitErr *common.ExitError
	switch {
	case errors.Is(err, common.ErrConnectInProgress):
		entry.Outcome = history.OutcomeSuperseded
	case err != nil:
		entry.Outcome = history.OutcomeFailed
		entry.Error = err.Error()
	}
	if errors.As(err, &exitErr) {
		entry.ExitCode = exitErr.Code
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if addErr := m.opts.History.Add(ctx, entry); addErr != nil {
		common.LogWarn("Failed to record connection history: %v", addErr)
	}
}

// transition moves the slot to state if a still owns it and notifies the
// observer.
func (m *Manager) transition(a *attempt, state common.ConnectionState) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	m.mu.Lock()
	if m.current != a || m.state == state {
		m.mu.Unlock()
		return
	}
	old := m.state
	m.state = state
	m.mu.Unlock()

	common.LogDebug("State %s -> %s (%s)", old, state, a.service.ID)
	if m.opts.Observer != nil {
		m.opts.Observer.OnStateChange(old, state, a.service)
	}
}

func (m *Manager) onHealthChange(serviceID string, oldState, newState HealthState) {
	switch {
	case newState == HealthUnhealthy:
		m.logf("Tunnel for %s is unhealthy, test hosts are unreachable", serviceID)
		m.notify(func(n common.Notifier) error {
			return n.NotifyWithIcon("VPN Unhealthy", "Test hosts are unreachable through "+serviceID, "network-vpn-error")
		})
	case newState == HealthHealthy && oldState == HealthUnhealthy:
		m.logf("Tunnel for %s recovered", serviceID)
		m.notify(func(n common.Notifier) error {
			return n.Notify("VPN Recovered", "Traffic flows through "+serviceID+" again")
		})
	}
}

func (m *Manager) notify(send func(common.Notifier) error) {
	if m.opts.Notifier == nil {
		return
	}
	if err := send(m.opts.Notifier); err != nil {
		common.LogDebug("Notification not shown: %v", err)
	}
}

func (m *Manager) logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	common.LogInfo("%s", line)
	if m.opts.Observer != nil {
		m.opts.Observer.OnLog(line)
	}
}

func (a *attempt) markConnected() {
	a.connectedOnce.Do(func() {
		a.mu.Lock()
		a.connectedAt = time.Now()
		a.mu.Unlock()
		close(a.connected)
	})
}

func (a *attempt) isConnected() bool {
	select {
	case <-a.connected:
		return true
	default:
		return false
	}
}

func (a *attempt) connectedTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectedAt
}

func (a *attempt) setResult(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *attempt) result() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
