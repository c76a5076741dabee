package vpn

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-sso/common"
	"github.com/yllada/vpn-sso/history"
	"github.com/yllada/vpn-sso/oidc"
)

type discoverFunc func(ctx context.Context, service *common.AuthService) (*oidc.ProviderMetadata, error)

func (f discoverFunc) Discover(ctx context.Context, service *common.AuthService) (*oidc.ProviderMetadata, error) {
	return f(ctx, service)
}

type authorizeFunc func(ctx context.Context, service *common.AuthService, endpoint string) (*oidc.AuthorizationResult, error)

func (f authorizeFunc) Authorize(ctx context.Context, service *common.AuthService, endpoint string) (*oidc.AuthorizationResult, error) {
	return f(ctx, service, endpoint)
}

func okDiscoverer() Discoverer {
	return discoverFunc(func(context.Context, *common.AuthService) (*oidc.ProviderMetadata, error) {
		return &oidc.ProviderMetadata{AuthorizationEndpoint: "https://idp.example.com/authorize"}, nil
	})
}

func okAuthorizer() Authorizer {
	return authorizeFunc(func(_ context.Context, service *common.AuthService, _ string) (*oidc.AuthorizationResult, error) {
		return &oidc.AuthorizationResult{Service: service.ID, Code: "abc123"}, nil
	})
}

// blockingAuthorizer waits for ctx like an open session nobody completes.
func blockingAuthorizer(entered chan<- struct{}) Authorizer {
	return authorizeFunc(func(ctx context.Context, _ *common.AuthService, _ string) (*oidc.AuthorizationResult, error) {
		if entered != nil {
			entered <- struct{}{}
		}
		<-ctx.Done()
		return nil, common.ErrAuthAborted
	})
}

// fakeHost tracks the fake VPN processes alive on the "machine".
type fakeHost struct {
	mu         sync.Mutex
	alive      map[*fakeHandle]bool
	violations int
	kills      int
}

func newFakeHost() *fakeHost {
	return &fakeHost{alive: make(map[*fakeHandle]bool)}
}

func (h *fakeHost) KillAll(string) error {
	h.mu.Lock()
	h.kills++
	var victims []*fakeHandle
	for p := range h.alive {
		victims = append(victims, p)
	}
	h.mu.Unlock()

	for _, p := range victims {
		p.exit(Exit{Code: -1})
	}
	return nil
}

func (h *fakeHost) killCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kills
}

type fakeHandle struct {
	host *fakeHost
	pid  int

	mu          sync.Mutex
	written     []string
	interrupted bool
	once        sync.Once
	done        chan struct{}
	result      Exit
}

func (p *fakeHandle) PID() int { return p.pid }

func (p *fakeHandle) Write(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, line)
	return nil
}

func (p *fakeHandle) Interrupt() error {
	p.mu.Lock()
	p.interrupted = true
	p.mu.Unlock()
	p.exit(Exit{Code: 0, Requested: true})
	return nil
}

func (p *fakeHandle) Kill() error {
	p.exit(Exit{Code: -1, Requested: true})
	return nil
}

func (p *fakeHandle) Done() <-chan struct{} { return p.done }

func (p *fakeHandle) Wait() Exit {
	<-p.done
	return p.result
}

func (p *fakeHandle) exit(e Exit) {
	p.once.Do(func() {
		p.host.mu.Lock()
		delete(p.host.alive, p)
		p.host.mu.Unlock()
		p.result = e
		close(p.done)
	})
}

func (p *fakeHandle) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

func (p *fakeHandle) wasInterrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}

type fakeRunner struct {
	host    *fakeHost
	started chan *fakeHandle

	mu       sync.Mutex
	opts     []StartOptions
	handlers map[*fakeHandle]LineHandler
	emitMu   sync.Mutex
}

func newFakeRunner(host *fakeHost) *fakeRunner {
	return &fakeRunner{
		host:     host,
		started:  make(chan *fakeHandle, 8),
		handlers: make(map[*fakeHandle]LineHandler),
	}
}

func (r *fakeRunner) Start(_ context.Context, opts StartOptions, handler LineHandler) (Handle, error) {
	r.host.mu.Lock()
	if len(r.host.alive) > 0 {
		r.host.violations++
	}
	p := &fakeHandle{host: r.host, pid: 1000 + len(r.opts), done: make(chan struct{})}
	r.host.alive[p] = true
	r.host.mu.Unlock()

	r.mu.Lock()
	r.opts = append(r.opts, opts)
	r.handlers[p] = handler
	r.mu.Unlock()

	r.started <- p
	return p, nil
}

func (r *fakeRunner) emit(p *fakeHandle, line string) {
	r.mu.Lock()
	handler := r.handlers[p]
	r.mu.Unlock()

	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	handler(line, p)
}

func (r *fakeRunner) waitStarted(t *testing.T) *fakeHandle {
	t.Helper()
	select {
	case p := <-r.started:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("VPN client was not started")
		return nil
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	states []common.ConnectionState
	logs   []string
}

func (o *recordingObserver) OnStateChange(_, new common.ConnectionState, _ *common.AuthService) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, new)
}

func (o *recordingObserver) OnLog(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logs = append(o.logs, line)
}

func (o *recordingObserver) stateList() []common.ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]common.ConnectionState(nil), o.states...)
}

func (o *recordingObserver) logText() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.logs, "\n")
}

type memoryHistory struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (h *memoryHistory) Add(_ context.Context, e history.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *memoryHistory) list() []history.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]history.Entry(nil), h.entries...)
}

type testRig struct {
	manager  *Manager
	runner   *fakeRunner
	host     *fakeHost
	observer *recordingObserver
	history  *memoryHistory
	opts     Options
}

func newTestRig(t *testing.T, customize func(*Options)) *testRig {
	t.Helper()

	dir := t.TempDir()
	for _, name := range []string{"corp.ovpn", "lab.ovpn"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("client\nremote vpn.example.com 1194\n"), 0600))
	}

	host := newFakeHost()
	rig := &testRig{
		runner:   newFakeRunner(host),
		host:     host,
		observer: &recordingObserver{},
		history:  &memoryHistory{},
	}
	rig.opts = Options{
		Services: []common.AuthService{
			{ID: "corp", Name: "Corporate", Profile: "corp.ovpn", Redirect: "http://localhost:8400/callback"},
			{ID: "lab", Name: "Lab", Profile: "lab.ovpn", Redirect: "http://localhost:8400/callback"},
		},
		ProfilesDir:    dir,
		Binary:         "/usr/sbin/openvpn",
		Discoverer:     okDiscoverer(),
		Authorizer:     okAuthorizer(),
		Runner:         rig.runner,
		Killer:         host,
		Observer:       rig.observer,
		History:        rig.history,
		InterruptGrace: time.Second,
	}
	if customize != nil {
		customize(&rig.opts)
	}
	rig.manager = NewManager(rig.opts)
	return rig
}

func (r *testRig) connectAsync(ctx context.Context, serviceID string) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- r.manager.Connect(ctx, serviceID) }()
	return errCh
}

// establish connects to serviceID and answers the prompts.
func (r *testRig) establish(t *testing.T, serviceID string) *fakeHandle {
	t.Helper()
	errCh := r.connectAsync(context.Background(), serviceID)
	p := r.runner.waitStarted(t)
	r.runner.emit(p, "2021-09-12 21:18:53 Enter Auth Username:")
	r.runner.emit(p, "2021-09-12 21:18:53 Enter Auth Password:")
	r.runner.emit(p, "2021-09-12 21:18:55 Initialization Sequence Completed")
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}
	return p
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return")
		return nil
	}
}

func TestManager_AnswersPrompts(t *testing.T) {
	rig := newTestRig(t, nil)

	errCh := rig.connectAsync(context.Background(), "corp")
	p := rig.runner.waitStarted(t)

	assert.Equal(t, common.StateLaunching, rig.manager.Status())
	assert.Equal(t, "corp", rig.manager.Current().ID)
	assert.Equal(t, "/usr/sbin/openvpn", rig.runner.opts[0].Binary)
	assert.Equal(t, filepath.Join(rig.opts.ProfilesDir, "corp.ovpn"), rig.runner.opts[0].Profile)

	rig.runner.emit(p, "2021-09-12 21:18:53 Enter Auth Username:")
	rig.runner.emit(p, "2021-09-12 21:18:53 Enter Auth Password:")

	written := p.lines()
	require.Len(t, written, 2)
	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9+/=]+@corp$`), written[0])
	raw, err := base64.StdEncoding.DecodeString(written[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"service":"corp","code":"abc123"}`, string(raw))

	assert.NotContains(t, rig.observer.logText(), "Enter Auth")

	rig.runner.emit(p, "2021-09-12 21:18:54 TUN/TAP device tun0 opened")
	rig.runner.emit(p, "2021-09-12 21:18:55 Initialization Sequence Completed")

	require.NoError(t, waitErr(t, errCh))
	assert.Equal(t, common.StateConnected, rig.manager.Status())

	logs := rig.observer.logText()
	assert.Contains(t, logs, "[OpenVPN] TUN/TAP device tun0 opened")
	assert.Contains(t, logs, "[OpenVPN] Initialization Sequence Completed")
	assert.NotContains(t, logs, "2021-09-12")
}

func TestManager_UnexpectedExit(t *testing.T) {
	rig := newTestRig(t, nil)
	p := rig.establish(t, "corp")

	p.exit(Exit{Code: 1})

	err := rig.manager.Wait()
	var exitErr *common.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)

	assert.Equal(t, common.StateDisconnected, rig.manager.Status())
	assert.Nil(t, rig.manager.Current())
	assert.Contains(t, rig.observer.logText(), "OpenVPN exited with code 1")
	assert.Equal(t, []common.ConnectionState{
		common.StateAuthenticating,
		common.StateLaunching,
		common.StateConnected,
		common.StateFailing,
		common.StateDisconnected,
	}, rig.observer.stateList())

	entries := rig.history.list()
	require.Len(t, entries, 1)
	assert.Equal(t, history.OutcomeFailed, entries[0].Outcome)
	assert.Equal(t, 1, entries[0].ExitCode)
	assert.False(t, entries[0].Connected.IsZero())
}

func TestManager_Disconnect(t *testing.T) {
	rig := newTestRig(t, nil)
	p := rig.establish(t, "corp")
	killsBefore := rig.host.killCount()

	require.NoError(t, rig.manager.Disconnect())

	assert.True(t, p.wasInterrupted())
	assert.Greater(t, rig.host.killCount(), killsBefore)
	assert.NoError(t, rig.manager.Wait())
	assert.Equal(t, common.StateDisconnected, rig.manager.Status())
	assert.NotContains(t, rig.observer.stateList(), common.StateFailing)

	entries := rig.history.list()
	require.Len(t, entries, 1)
	assert.Equal(t, history.OutcomeDisconnected, entries[0].Outcome)
	assert.Empty(t, entries[0].Error)
}

func TestManager_DisconnectWithoutAttempt(t *testing.T) {
	rig := newTestRig(t, nil)

	assert.ErrorIs(t, rig.manager.Disconnect(), common.ErrNotConnected)
	assert.Equal(t, 1, rig.host.killCount())
}

func TestManager_SupersedesConnected(t *testing.T) {
	rig := newTestRig(t, nil)
	first := rig.establish(t, "corp")

	second := rig.establish(t, "lab")

	assert.True(t, first.wasInterrupted())
	assert.Zero(t, rig.host.violations)
	assert.Equal(t, "lab", rig.manager.Current().ID)
	assert.Equal(t, common.StateConnected, rig.manager.Status())

	entries := rig.history.list()
	require.Len(t, entries, 1)
	assert.Equal(t, "corp", entries[0].ServiceID)
	assert.Equal(t, history.OutcomeSuperseded, entries[0].Outcome)

	require.NoError(t, rig.manager.Disconnect())
	assert.True(t, second.wasInterrupted())
}

func TestManager_SupersedesPendingAuthorization(t *testing.T) {
	entered := make(chan struct{}, 4)
	var calls int
	var mu sync.Mutex
	blocking := blockingAuthorizer(entered)

	rig := newTestRig(t, func(o *Options) {
		o.Authorizer = authorizeFunc(func(ctx context.Context, service *common.AuthService, endpoint string) (*oidc.AuthorizationResult, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				return blocking.Authorize(ctx, service, endpoint)
			}
			return okAuthorizer().Authorize(ctx, service, endpoint)
		})
	})

	firstErr := rig.connectAsync(context.Background(), "corp")
	<-entered
	assert.Equal(t, common.StateAuthenticating, rig.manager.Status())

	secondErr := rig.connectAsync(context.Background(), "lab")

	assert.ErrorIs(t, waitErr(t, firstErr), common.ErrConnectInProgress)

	p := rig.runner.waitStarted(t)
	rig.runner.emit(p, "Initialization Sequence Completed")
	require.NoError(t, waitErr(t, secondErr))
	assert.Equal(t, "lab", rig.manager.Current().ID)
	assert.Len(t, rig.runner.opts, 1)
}

func TestManager_DiscoveryFailure(t *testing.T) {
	rig := newTestRig(t, func(o *Options) {
		o.Discoverer = discoverFunc(func(context.Context, *common.AuthService) (*oidc.ProviderMetadata, error) {
			return nil, common.ErrMissingEndpoint
		})
	})

	err := rig.manager.Connect(context.Background(), "corp")
	assert.ErrorIs(t, err, common.ErrMissingEndpoint)
	assert.Equal(t, common.StateDisconnected, rig.manager.Status())
	assert.Empty(t, rig.runner.opts)
	assert.Contains(t, rig.observer.logText(), "Error: failed to recover OIDC endpoints")

	entries := rig.history.list()
	require.Len(t, entries, 1)
	assert.Equal(t, history.OutcomeFailed, entries[0].Outcome)
}

func TestManager_AuthorizationErrors(t *testing.T) {
	for _, wantErr := range []error{common.ErrAuthAborted, common.ErrStateMismatch, common.ErrAuthTimeout} {
		t.Run(wantErr.Error(), func(t *testing.T) {
			rig := newTestRig(t, func(o *Options) {
				o.Authorizer = authorizeFunc(func(context.Context, *common.AuthService, string) (*oidc.AuthorizationResult, error) {
					return nil, wantErr
				})
			})

			err := rig.manager.Connect(context.Background(), "corp")
			assert.ErrorIs(t, err, wantErr)
			assert.Equal(t, common.StateDisconnected, rig.manager.Status())
			assert.Empty(t, rig.runner.opts)
		})
	}
}

func TestManager_BinaryNotFound(t *testing.T) {
	rig := newTestRig(t, func(o *Options) { o.Binary = "" })

	err := rig.manager.Connect(context.Background(), "corp")
	assert.ErrorIs(t, err, common.ErrBinaryNotFound)
	assert.Empty(t, rig.runner.opts)
	assert.Equal(t, common.StateDisconnected, rig.manager.Status())
}

func TestManager_ProfileMissing(t *testing.T) {
	rig := newTestRig(t, func(o *Options) {
		o.Services = []common.AuthService{{ID: "corp", Name: "Corporate", Profile: "missing.ovpn"}}
	})

	err := rig.manager.Connect(context.Background(), "corp")
	assert.ErrorIs(t, err, common.ErrProfileNotFound)
}

func TestManager_UnknownService(t *testing.T) {
	rig := newTestRig(t, nil)

	err := rig.manager.Connect(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrServiceNotFound)
	assert.Empty(t, rig.observer.stateList())
}

func TestManager_ConnectTimeout(t *testing.T) {
	rig := newTestRig(t, func(o *Options) { o.ConnectTimeout = 50 * time.Millisecond })

	errCh := rig.connectAsync(context.Background(), "corp")
	p := rig.runner.waitStarted(t)

	assert.ErrorIs(t, waitErr(t, errCh), common.ErrTimeout)
	assert.True(t, p.wasInterrupted())
	assert.Contains(t, rig.observer.stateList(), common.StateFailing)
	assert.Equal(t, common.StateDisconnected, rig.manager.Status())
}

func TestManager_CancelDuringAuthorization(t *testing.T) {
	entered := make(chan struct{}, 1)
	rig := newTestRig(t, func(o *Options) { o.Authorizer = blockingAuthorizer(entered) })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := rig.connectAsync(ctx, "corp")
	<-entered
	cancel()

	assert.ErrorIs(t, waitErr(t, errCh), common.ErrCancelled)
	assert.Equal(t, common.StateDisconnected, rig.manager.Status())
}

func TestManager_DisconnectDuringAuthorization(t *testing.T) {
	entered := make(chan struct{}, 1)
	rig := newTestRig(t, func(o *Options) { o.Authorizer = blockingAuthorizer(entered) })

	errCh := rig.connectAsync(context.Background(), "corp")
	<-entered

	require.NoError(t, rig.manager.Disconnect())
	assert.ErrorIs(t, waitErr(t, errCh), common.ErrCancelled)
	assert.Empty(t, rig.runner.opts)
}

func TestManager_ExitBeforeConnected(t *testing.T) {
	rig := newTestRig(t, nil)

	errCh := rig.connectAsync(context.Background(), "corp")
	p := rig.runner.waitStarted(t)
	rig.runner.emit(p, "AUTH: Received control message: AUTH_FAILED")
	p.exit(Exit{Code: 1})

	err := waitErr(t, errCh)
	var exitErr *common.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, rig.observer.logText(), "[OpenVPN] AUTH: Received control message: AUTH_FAILED")
}

func TestManager_Versions(t *testing.T) {
	versions := &common.VersionInfo{}
	versions.Add("OpenVPN", "2.6.8")
	rig := newTestRig(t, func(o *Options) { o.Versions = versions })

	assert.Equal(t, []string{"OpenVPN 2.6.8"}, rig.manager.Versions())
	assert.Len(t, rig.manager.Services(), 2)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (n *recordingNotifier) Notify(title, message string) error {
	return n.NotifyWithIcon(title, message, "")
}

func (n *recordingNotifier) NotifyWithIcon(title, _, icon string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, title+"|"+icon)
	return nil
}

func (n *recordingNotifier) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notes...)
}

func TestManager_HealthChangesNotify(t *testing.T) {
	notifier := &recordingNotifier{}
	rig := newTestRig(t, func(o *Options) { o.Notifier = notifier })

	rig.manager.onHealthChange("corp", HealthHealthy, HealthDegraded)
	rig.manager.onHealthChange("corp", HealthDegraded, HealthUnhealthy)
	rig.manager.onHealthChange("corp", HealthUnhealthy, HealthHealthy)

	assert.Equal(t, []string{"VPN Unhealthy|network-vpn-error", "VPN Recovered|"}, notifier.list())
	assert.Contains(t, rig.observer.logText(), "Tunnel for corp is unhealthy")
	assert.Contains(t, rig.observer.logText(), "Tunnel for corp recovered")
}

// gatedObserver blocks the Connected notification until released.
type gatedObserver struct {
	reached chan struct{}
	release chan struct{}
}

func (o *gatedObserver) OnStateChange(_, new common.ConnectionState, _ *common.AuthService) {
	if new == common.StateConnected {
		close(o.reached)
		<-o.release
	}
}

func (o *gatedObserver) OnLog(string) {}

func TestManager_ConnectReturnsAfterObserversSeeConnected(t *testing.T) {
	observer := &gatedObserver{reached: make(chan struct{}), release: make(chan struct{})}
	rig := newTestRig(t, func(o *Options) { o.Observer = observer })

	errCh := rig.connectAsync(context.Background(), "corp")
	p := rig.runner.waitStarted(t)
	go rig.runner.emit(p, "Initialization Sequence Completed")

	<-observer.reached
	select {
	case err := <-errCh:
		t.Fatalf("Connect returned %v before observers saw Connected", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(observer.release)
	require.NoError(t, waitErr(t, errCh))
	assert.Equal(t, common.StateConnected, rig.manager.Status())
}

func TestManager_DisconnectDuringSupersede(t *testing.T) {
	entered := make(chan struct{}, 4)
	cancelled := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex

	rig := newTestRig(t, func(o *Options) {
		o.Authorizer = authorizeFunc(func(ctx context.Context, service *common.AuthService, endpoint string) (*oidc.AuthorizationResult, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			entered <- struct{}{}
			<-ctx.Done()
			if first {
				// Slow teardown of the first attempt.
				close(cancelled)
				<-release
			}
			return nil, common.ErrAuthAborted
		})
	})

	firstErr := rig.connectAsync(context.Background(), "corp")
	<-entered

	secondErr := rig.connectAsync(context.Background(), "lab")
	<-cancelled

	disconnected := make(chan error, 1)
	go func() { disconnected <- rig.manager.Disconnect() }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	assert.ErrorIs(t, waitErr(t, firstErr), common.ErrConnectInProgress)
	assert.ErrorIs(t, waitErr(t, secondErr), common.ErrCancelled)
	require.NoError(t, waitErr(t, disconnected))

	assert.Nil(t, rig.manager.Current())
	assert.Equal(t, common.StateDisconnected, rig.manager.Status())
	assert.Empty(t, rig.runner.opts)
}
