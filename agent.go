package main

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
)

// network is the slice of the connectivity manager the agent drives.
type network interface {
	Connect(ctx context.Context, timeout time.Duration) ConnectResult
	IsConnected() bool
	StartProvisioning(ctx context.Context) error
	WaitForProvisioningResult(ctx context.Context, timeout time.Duration) bool
	StopProvisioning()
}

// updater is the slice of the update manager the agent drives.
type updater interface {
	CheckForUpdate(ctx context.Context, currentVersion string) (CheckResult, *UpdateDescriptor)
	Download(ctx context.Context, desc *UpdateDescriptor) error
	VerifyHash(desc *UpdateDescriptor) bool
	Apply(ctx context.Context) error
	Abort()
	ServerReachable(ctx context.Context) bool
}

// statusReporter is the slice of the telemetry reporter the agent drives.
type statusReporter interface {
	Identity() string
	SendHeartbeat(ctx context.Context, firmwareVersion string)
	ReportStatus(ctx context.Context, status string)
	ReportOTAStatus(ctx context.Context, status, version, deploymentID string)
}

// agentState is the tagged union of orchestrator states. Each state carries
// only the data its transition needs.
type agentState interface {
	name() string
}

type stateBoot struct{}
type stateWifiConnect struct{}
type stateAPPortal struct{}
type stateIdle struct{}
type stateCheckUpdate struct{}
type stateDownload struct{ desc *UpdateDescriptor }
type stateVerify struct{ desc *UpdateDescriptor }
type stateApply struct{ desc *UpdateDescriptor }
type stateHealthCheck struct{}

func (stateBoot) name() string        { return "BOOT" }
func (stateWifiConnect) name() string { return "WIFI_CONNECT" }
func (stateAPPortal) name() string    { return "AP_PORTAL" }
func (stateIdle) name() string        { return "IDLE" }
func (stateCheckUpdate) name() string { return "CHECK_UPDATE" }
func (stateDownload) name() string    { return "DOWNLOAD" }
func (stateVerify) name() string      { return "VERIFY" }
func (stateApply) name() string       { return "APPLY" }
func (stateHealthCheck) name() string { return "HEALTH_CHECK" }

// ExitReason tells main why the agent loop returned.
type ExitReason int

const (
	ExitShutdown ExitReason = iota
	ExitReboot
	ExitRollback
)

func (r ExitReason) String() string {
	switch r {
	case ExitReboot:
		return "reboot"
	case ExitRollback:
		return "rollback"
	default:
		return "shutdown"
	}
}

// exitNone marks a non-terminal transition.
const exitNone = ExitReason(-1)

// Agent is the top-level control loop: a single-threaded state machine that
// drives every transition. All other components are passive services invoked
// synchronously from within a transition.
type Agent struct {
	cfg  Config
	net  network
	ota  updater
	rep  statusReporter
	bank PartitionTable
	clk  clock.Clock
	log  logrus.FieldLogger

	memFree func() uint64

	lastHeartbeat time.Time
	lastCheck     time.Time
	portalRetry   backoff.BackOff
}

// NewAgent wires the orchestrator.
func NewAgent(cfg Config, net network, ota updater, rep statusReporter, bank PartitionTable, clk clock.Clock, log logrus.FieldLogger) *Agent {
	return &Agent{
		cfg:         cfg,
		net:         net,
		ota:         ota,
		rep:         rep,
		bank:        bank,
		clk:         clk,
		log:         log.WithField("component", "agent"),
		memFree:     freeMemoryBytes,
		portalRetry: backoff.NewConstantBackOff(cfg.PortalRetryDelay),
	}
}

// Run executes the state machine until the process must exit: a requested
// reboot after APPLY, a rollback after a failed health check, or context
// cancellation. The loop itself never deadlocks: every blocking operation
// inside a transition carries a timeout.
func (a *Agent) Run(ctx context.Context) ExitReason {
	st := agentState(stateBoot{})
	now := a.clk.Now()
	a.lastHeartbeat = now
	a.lastCheck = now

	prev := ""
	for {
		if ctx.Err() != nil {
			return ExitShutdown
		}
		if st.name() != prev {
			a.log.WithField("state", st.name()).Info("state entered")
			prev = st.name()
		}

		next, exit := a.step(ctx, st)
		if exit != exitNone {
			return exit
		}
		st = next
	}
}

// step runs one transition. Unknown states reset to BOOT: an embedded agent
// must never halt permanently.
func (a *Agent) step(ctx context.Context, st agentState) (agentState, ExitReason) {
	switch s := st.(type) {
	case stateBoot:
		return a.stepBoot(ctx)
	case stateWifiConnect:
		return a.stepWifiConnect(ctx)
	case stateAPPortal:
		return a.stepAPPortal(ctx)
	case stateIdle:
		return a.stepIdle(ctx)
	case stateCheckUpdate:
		return a.stepCheckUpdate(ctx)
	case stateDownload:
		return a.stepDownload(ctx, s.desc)
	case stateVerify:
		return a.stepVerify(ctx, s.desc)
	case stateApply:
		return a.stepApply(ctx, s.desc)
	case stateHealthCheck:
		return a.stepHealthCheck(ctx)
	default:
		a.log.WithField("state", st.name()).Error("unknown state, resetting to BOOT")
		return stateBoot{}, exitNone
	}
}

func (a *Agent) stepBoot(ctx context.Context) (agentState, ExitReason) {
	a.log.WithFields(logrus.Fields{
		"firmware_version": a.cfg.FirmwareVersion,
		"free_heap":        a.memFree(),
		"device_id":        a.rep.Identity(),
	}).Info("agent booting")

	slot, err := a.bank.RunningSlot(ctx)
	if err != nil {
		a.log.WithError(err).Error("failed to inspect running slot")
		return stateWifiConnect{}, exitNone
	}

	if slot.Tag == TagPendingVerify {
		a.log.WithField("slot", slot.Label).Warn("running image pending verification")
		return stateHealthCheck{}, exitNone
	}
	return stateWifiConnect{}, exitNone
}

func (a *Agent) stepWifiConnect(ctx context.Context) (agentState, ExitReason) {
	res := a.net.Connect(ctx, a.cfg.WifiConnectTimeout)
	switch res.Status {
	case StatusConnected:
		a.log.WithField("address", res.Address).Info("network up")
		a.rep.ReportStatus(ctx, "online")
		return stateIdle{}, exitNone
	case StatusNoCredentials:
		a.log.Warn("no stored credentials, starting provisioning")
		return stateAPPortal{}, exitNone
	default:
		a.log.WithField("result", res.Status.String()).Warn("wifi connect failed, starting provisioning")
		return stateAPPortal{}, exitNone
	}
}

func (a *Agent) stepAPPortal(ctx context.Context) (agentState, ExitReason) {
	if err := a.net.StartProvisioning(ctx); err != nil {
		a.log.WithError(err).Error("failed to start provisioning portal")
		if !a.sleep(ctx, a.portalRetry.NextBackOff()) {
			return stateAPPortal{}, ExitShutdown
		}
		return stateAPPortal{}, exitNone
	}

	got := a.net.WaitForProvisioningResult(ctx, a.cfg.PortalTimeout)
	a.net.StopProvisioning()

	if ctx.Err() != nil {
		return stateAPPortal{}, ExitShutdown
	}
	if got {
		a.log.Info("credentials received, retrying wifi")
		return stateWifiConnect{}, exitNone
	}

	// Provisioning timeout is expected steady state while unconfigured;
	// loop back in after the backoff delay.
	a.log.Warn("provisioning window elapsed, re-entering portal")
	if !a.sleep(ctx, a.portalRetry.NextBackOff()) {
		return stateAPPortal{}, ExitShutdown
	}
	return stateAPPortal{}, exitNone
}

func (a *Agent) stepIdle(ctx context.Context) (agentState, ExitReason) {
	if !a.net.IsConnected() {
		a.log.Warn("network link lost, reconnecting")
		return stateWifiConnect{}, exitNone
	}

	// Both timers are monotonic tick comparisons against the injected
	// clock; they never read the wall clock.
	now := a.clk.Now()
	if now.Sub(a.lastHeartbeat) >= a.cfg.HeartbeatInterval {
		a.rep.SendHeartbeat(ctx, a.cfg.FirmwareVersion)
		a.lastHeartbeat = now
	}
	if now.Sub(a.lastCheck) >= a.cfg.UpdateCheckInterval {
		a.lastCheck = now
		return stateCheckUpdate{}, exitNone
	}

	if !a.sleep(ctx, a.cfg.IdlePollInterval) {
		return stateIdle{}, ExitShutdown
	}
	return stateIdle{}, exitNone
}

func (a *Agent) stepCheckUpdate(ctx context.Context) (agentState, ExitReason) {
	res, desc := a.ota.CheckForUpdate(ctx, a.cfg.FirmwareVersion)
	switch res {
	case CheckUpdateAvailable:
		return stateDownload{desc: desc}, exitNone
	case CheckNoUpdate:
		a.log.Info("firmware is up to date")
		return stateIdle{}, exitNone
	default:
		// Same transition as no-update; the distinction is observability.
		a.log.Warn("update check failed, retrying next interval")
		return stateIdle{}, exitNone
	}
}

func (a *Agent) stepDownload(ctx context.Context, desc *UpdateDescriptor) (agentState, ExitReason) {
	a.rep.ReportOTAStatus(ctx, OTAStatusDownloading, desc.Version, desc.DeploymentID)

	if err := a.ota.Download(ctx, desc); err != nil {
		a.log.WithError(err).Error("download failed")
		a.rep.ReportOTAStatus(ctx, OTAStatusFailed, desc.Version, desc.DeploymentID)
		return stateIdle{}, exitNone
	}
	return stateVerify{desc: desc}, exitNone
}

func (a *Agent) stepVerify(ctx context.Context, desc *UpdateDescriptor) (agentState, ExitReason) {
	if a.ota.VerifyHash(desc) {
		return stateApply{desc: desc}, exitNone
	}

	// Integrity failure: the candidate is discarded and never booted. The
	// descriptor is not retried; the next check cycle starts fresh.
	a.log.Error("artifact hash mismatch, aborting update")
	a.ota.Abort()
	a.rep.ReportOTAStatus(ctx, OTAStatusFailed, desc.Version, desc.DeploymentID)
	return stateIdle{}, exitNone
}

func (a *Agent) stepApply(ctx context.Context, desc *UpdateDescriptor) (agentState, ExitReason) {
	if err := a.ota.Apply(ctx); err != nil {
		a.log.WithError(err).Error("apply failed, running firmware unaffected")
		a.rep.ReportOTAStatus(ctx, OTAStatusFailed, desc.Version, desc.DeploymentID)
		return stateIdle{}, exitNone
	}

	a.rep.ReportOTAStatus(ctx, OTAStatusApplied, desc.Version, desc.DeploymentID)
	a.log.WithField("version", desc.Version).Info("update applied, requesting reboot")

	a.sleep(ctx, a.cfg.ApplySettle)
	return stateApply{desc: desc}, ExitReboot
}

func (a *Agent) stepHealthCheck(ctx context.Context) (agentState, ExitReason) {
	slot, err := a.bank.RunningSlot(ctx)
	if err != nil {
		a.log.WithError(err).Error("failed to read running slot during health check")
		return stateHealthCheck{}, a.rollback(ctx, Slot{})
	}

	res := a.net.Connect(ctx, a.cfg.WifiConnectTimeout)
	if res.Status != StatusConnected {
		a.log.WithField("result", res.Status.String()).Error("health check: network failed")
		return stateHealthCheck{}, a.rollback(ctx, slot)
	}

	if !a.healthy(ctx) {
		a.log.Error("health check failed")
		return stateHealthCheck{}, a.rollback(ctx, slot)
	}

	if err := a.bank.MarkValid(ctx, slot.Label); err != nil {
		// Without a durable valid tag the bootloader would roll back on
		// the next power cycle; treat as a failed verification.
		a.log.WithError(err).Error("failed to commit image tag")
		return stateHealthCheck{}, a.rollback(ctx, slot)
	}

	a.log.WithField("slot", slot.Label).Info("health check passed, image committed")
	a.rep.ReportOTAStatus(ctx, OTAStatusSuccess, slot.Version, "")
	return stateIdle{}, exitNone
}

// healthy is the post-update predicate: free memory above the floor and the
// link re-established. Server reachability is advisory only; a network blip
// must not cause a spurious rollback.
func (a *Agent) healthy(ctx context.Context) bool {
	free := a.memFree()
	if free < a.cfg.HealthHeapFloor {
		a.log.WithFields(logrus.Fields{
			"free_heap": free,
			"floor":     a.cfg.HealthHeapFloor,
		}).Error("health check: free memory below floor")
		return false
	}
	if !a.net.IsConnected() {
		a.log.Error("health check: network not connected")
		return false
	}
	if !a.ota.ServerReachable(ctx) {
		a.log.Warn("health check: update server unreachable (advisory)")
	}
	return true
}

// rollback condemns the candidate image and asks main to reboot into the
// previous slot. It is honored unconditionally, even when reporting fails.
func (a *Agent) rollback(ctx context.Context, slot Slot) ExitReason {
	a.rep.ReportOTAStatus(ctx, OTAStatusFailed, slot.Version, "")
	if slot.Label != "" {
		if err := a.bank.MarkInvalidAndRollback(ctx, slot.Label); err != nil {
			a.log.WithError(err).Error("failed to record rollback, rebooting anyway")
		}
	}
	return ExitRollback
}

// sleep blocks for d against the injected clock; false means the context was
// cancelled first.
func (a *Agent) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-a.clk.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
