package vpn

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/yllada/vpn-sso/common"
)

var errNoHostReachable = errors.New("no test host reachable")

// HealthState represents the current health state of a tunnel.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// HealthConfig holds configuration for the health checker.
type HealthConfig struct {
	// CheckInterval is how often to check tunnel health.
	CheckInterval time.Duration
	// FailureThreshold is how many consecutive failures before marking unhealthy.
	FailureThreshold int
	// DialTimeout bounds each probe.
	DialTimeout time.Duration
	// TestHosts are host:port pairs dialed through the tunnel.
	TestHosts []string
}

// DefaultHealthConfig returns sensible defaults for health checking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:    common.HealthCheckInterval,
		FailureThreshold: 3,
		DialTimeout:      5 * time.Second,
		TestHosts: []string{
			"1.1.1.1:53",
			"8.8.8.8:53",
		},
	}
}

// TunnelHealth is the last known health of the tunnel.
type TunnelHealth struct {
	ServiceID        string
	State            HealthState
	LastCheck        time.Time
	LastSuccess      time.Time
	ConsecutiveFails int
	Latency          time.Duration
}

// HealthChecker probes an established tunnel. Credentials are never kept,
// so an unhealthy tunnel is reported, not reconnected.
type HealthChecker struct {
	mu             sync.RWMutex
	config         HealthConfig
	dial           func(ctx context.Context, network, address string) (net.Conn, error)
	running        bool
	stopChan       chan struct{}
	health         TunnelHealth
	onHealthChange func(serviceID string, oldState, newState HealthState)
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(config HealthConfig) *HealthChecker {
	var d net.Dialer
	return &HealthChecker{
		config:   config,
		dial:     d.DialContext,
		stopChan: make(chan struct{}),
	}
}

// SetOnHealthChange sets a callback for health state changes.
func (hc *HealthChecker) SetOnHealthChange(callback func(serviceID string, oldState, newState HealthState)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onHealthChange = callback
}

// Start begins probing on behalf of serviceID. Health restarts from Unknown.
func (hc *HealthChecker) Start(serviceID string) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.stopChan = make(chan struct{})
	hc.health = TunnelHealth{ServiceID: serviceID, State: HealthUnknown}
	interval := hc.config.CheckInterval
	stop := hc.stopChan
	hc.mu.Unlock()

	if interval <= 0 {
		interval = common.HealthCheckInterval
	}
	common.LogInfo("Health checker started (interval: %v)", interval)

	go hc.runLoop(interval, stop)
}

// Stop stops the health checking loop.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	close(hc.stopChan)
	hc.mu.Unlock()

	common.LogInfo("Health checker stopped")
}

// IsRunning returns whether the health checker is currently running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.running
}

// GetHealth returns a copy of the current tunnel health.
func (hc *HealthChecker) GetHealth() TunnelHealth {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.health
}

func (hc *HealthChecker) runLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hc.check()
		}
	}
}

// check performs one probe and updates the tunnel health.
func (hc *HealthChecker) check() {
	latency, err := hc.testConnectivity()

	hc.mu.Lock()
	health := &hc.health
	health.LastCheck = time.Now()
	oldState := health.State

	if err != nil {
		health.ConsecutiveFails++
		health.Latency = 0
		common.LogWarn("Health check failed for %s (attempt %d/%d): %v",
			health.ServiceID, health.ConsecutiveFails, hc.config.FailureThreshold, err)

		if health.ConsecutiveFails >= hc.config.FailureThreshold {
			health.State = HealthUnhealthy
		} else {
			health.State = HealthDegraded
		}
	} else {
		health.ConsecutiveFails = 0
		health.LastSuccess = time.Now()
		health.Latency = latency
		health.State = HealthHealthy
	}

	newState := health.State
	serviceID := health.ServiceID
	callback := hc.onHealthChange
	hc.mu.Unlock()

	if oldState != newState {
		common.LogInfo("Health state changed for %s: %s -> %s", serviceID, oldState, newState)
		if callback != nil {
			callback(serviceID, oldState, newState)
		}
	}
}

// testConnectivity dials each test host until one answers.
func (hc *HealthChecker) testConnectivity() (time.Duration, error) {
	hc.mu.RLock()
	hosts := hc.config.TestHosts
	timeout := hc.config.DialTimeout
	dial := hc.dial
	hc.mu.RUnlock()

	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	for _, host := range hosts {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		start := time.Now()
		conn, err := dial(ctx, "tcp", host)
		cancel()
		if err == nil {
			conn.Close()
			return time.Since(start), nil
		}
	}

	return 0, errNoHostReachable
}
