package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
)

// ConnectStatus is the outcome of a station-mode connect attempt.
type ConnectStatus int

const (
	StatusConnected ConnectStatus = iota
	StatusNoCredentials
	StatusConnectFailed
	StatusConnectTimedOut
)

func (s ConnectStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusNoCredentials:
		return "no_credentials"
	case StatusConnectFailed:
		return "failed"
	case StatusConnectTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ConnectResult carries the assigned address on success.
type ConnectResult struct {
	Status  ConnectStatus
	Address string
}

// NetEventType identifies driver-level link events.
type NetEventType int

const (
	NetEventConnected NetEventType = iota
	NetEventDisconnected
)

// NetEvent is delivered asynchronously by the driver.
type NetEvent struct {
	Type    NetEventType
	Address string
	RSSI    int
}

// NetDriver is the radio/link capability. Join starts an association attempt
// whose outcome arrives through the handler registered with Notify, on the
// driver's own goroutine.
type NetDriver interface {
	Join(ssid, passphrase string) error
	Leave()
	Notify(fn func(NetEvent))
	RSSI() int
}

// NetworkManager owns the station-mode link and the provisioning fallback.
// Link status is written by the driver event callback and read by the agent
// loop, so it sits behind the mutex.
type NetworkManager struct {
	store  *Store
	driver NetDriver
	clk    clock.Clock
	log    logrus.FieldLogger

	portalAddr string
	apSSID     string

	mu        sync.Mutex
	connected bool
	address   string
	rssi      int
	attempt   chan NetEvent

	portal *portalServer
}

// NewNetworkManager wires the driver's event stream into the manager.
func NewNetworkManager(store *Store, driver NetDriver, clk clock.Clock, portalAddr, apSSID string, log logrus.FieldLogger) *NetworkManager {
	m := &NetworkManager{
		store:      store,
		driver:     driver,
		clk:        clk,
		log:        log.WithField("component", "wifi"),
		portalAddr: portalAddr,
		apSSID:     apSSID,
	}
	driver.Notify(m.handleEvent)
	return m
}

// handleEvent runs on the driver's goroutine. It is the single writer of the
// shared link status; a blocked Connect call observes the event through the
// per-attempt channel.
func (m *NetworkManager) handleEvent(ev NetEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case NetEventConnected:
		m.connected = true
		m.address = ev.Address
		m.rssi = ev.RSSI
	case NetEventDisconnected:
		m.connected = false
		m.address = ""
		m.rssi = 0
	}

	if m.attempt != nil {
		select {
		case m.attempt <- ev:
		default:
		}
	}
}

// Connect attempts a station-mode join with the stored credentials, blocking
// until connected, failed, or the timeout elapses. Absence of credentials
// short-circuits without touching the driver.
func (m *NetworkManager) Connect(ctx context.Context, timeout time.Duration) ConnectResult {
	creds, err := m.store.GetCredentials(ctx)
	if err != nil {
		m.log.WithError(err).Error("failed to load credentials")
		return ConnectResult{Status: StatusConnectFailed}
	}
	if creds == nil {
		return ConnectResult{Status: StatusNoCredentials}
	}

	m.log.WithField("ssid", creds.SSID).Info("connecting to wifi")

	m.mu.Lock()
	m.attempt = make(chan NetEvent, 1)
	attempt := m.attempt
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.attempt = nil
		m.mu.Unlock()
	}()

	if err := m.driver.Join(creds.SSID, creds.Passphrase); err != nil {
		m.log.WithError(err).Warn("join failed to start")
		return ConnectResult{Status: StatusConnectFailed}
	}

	select {
	case ev := <-attempt:
		if ev.Type == NetEventConnected {
			m.log.WithField("address", ev.Address).Info("wifi connected")
			return ConnectResult{Status: StatusConnected, Address: ev.Address}
		}
		m.driver.Leave()
		return ConnectResult{Status: StatusConnectFailed}
	case <-m.clk.After(timeout):
		m.driver.Leave()
		return ConnectResult{Status: StatusConnectTimedOut}
	case <-ctx.Done():
		m.driver.Leave()
		return ConnectResult{Status: StatusConnectTimedOut}
	}
}

// IsConnected reports the last driver-observed link state.
func (m *NetworkManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// CurrentAddress returns the assigned address, or "" when disconnected.
func (m *NetworkManager) CurrentAddress() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// SignalStrength returns the link RSSI, 0 when unknown.
func (m *NetworkManager) SignalStrength() int {
	m.mu.Lock()
	connected := m.connected
	last := m.rssi
	m.mu.Unlock()

	if !connected {
		return 0
	}
	if live := m.driver.RSSI(); live != 0 {
		return live
	}
	return last
}

// StartProvisioning stands up the local portal (access point + HTTP server).
func (m *NetworkManager) StartProvisioning(ctx context.Context) error {
	if m.portal != nil {
		return fmt.Errorf("provisioning already active")
	}

	p := newPortalServer(m.store, m.portalAddr, m.apSSID, m.log)
	if err := p.start(); err != nil {
		return fmt.Errorf("failed to start portal: %w", err)
	}
	m.portal = p
	return nil
}

// WaitForProvisioningResult blocks until a well-formed submission lands or
// the timeout elapses. Returns true when credentials were received.
func (m *NetworkManager) WaitForProvisioningResult(ctx context.Context, timeout time.Duration) bool {
	if m.portal == nil {
		return false
	}
	return m.portal.wait(ctx, m.clk, timeout)
}

// StopProvisioning tears the portal down. Safe to call when inactive.
func (m *NetworkManager) StopProvisioning() {
	if m.portal == nil {
		return
	}
	if err := m.portal.stop(); err != nil {
		m.log.WithError(err).Warn("portal shutdown error")
	}
	m.portal = nil
}

// EraseCredentials drops the stored Wi-Fi credentials.
func (m *NetworkManager) EraseCredentials(ctx context.Context) error {
	return m.store.EraseCredentials(ctx)
}

// hostDriver is the NetDriver used when the agent runs on a plain host: a
// join "associates" by probing outbound reachability of the fleet server.
// RSSI is 0 (no radio).
type hostDriver struct {
	probeAddr string
	log       logrus.FieldLogger

	mu     sync.Mutex
	notify func(NetEvent)
}

func newHostDriver(probeAddr string, log logrus.FieldLogger) *hostDriver {
	return &hostDriver{
		probeAddr: probeAddr,
		log:       log.WithField("component", "hostdriver"),
	}
}

func (d *hostDriver) Notify(fn func(NetEvent)) {
	d.mu.Lock()
	d.notify = fn
	d.mu.Unlock()
}

func (d *hostDriver) emit(ev NetEvent) {
	d.mu.Lock()
	fn := d.notify
	d.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (d *hostDriver) Join(ssid, passphrase string) error {
	go func() {
		conn, err := net.DialTimeout("tcp", d.probeAddr, 5*time.Second)
		if err != nil {
			d.log.WithError(err).Warn("link probe failed")
			d.emit(NetEvent{Type: NetEventDisconnected})
			return
		}
		local := conn.LocalAddr().String()
		conn.Close()
		d.emit(NetEvent{Type: NetEventConnected, Address: local})
	}()
	return nil
}

func (d *hostDriver) Leave() {}

func (d *hostDriver) RSSI() int { return 0 }
