package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// linkInfo is the slice of the network manager the reporter reads.
type linkInfo interface {
	SignalStrength() int
}

// Reporter owns the device's stable identity and pushes telemetry and update
// outcomes to the fleet server. Every push is best-effort: failures are
// logged, never escalated.
type Reporter struct {
	httpc   *http.Client
	baseURL string
	store   *Store
	link    linkInfo
	clk     clock.Clock
	log     logrus.FieldLogger

	id       string
	bootTime time.Time
	memFree  func() uint64
}

// NewReporter loads or mints the device identity. A configured override wins
// and is persisted; otherwise the stored identity is reused, or a fresh ULID
// is minted on first boot.
func NewReporter(ctx context.Context, store *Store, cfg Config, link linkInfo, clk clock.Clock, log logrus.FieldLogger) (*Reporter, error) {
	id := cfg.DeviceID
	if id == "" {
		stored, err := store.GetDeviceID(ctx)
		if err != nil {
			return nil, err
		}
		id = stored
	}
	if id == "" {
		id = ulid.Make().String()
	}
	if err := store.PutDeviceID(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to persist device id: %w", err)
	}

	r := &Reporter{
		httpc:    &http.Client{Timeout: cfg.HTTPTimeout},
		baseURL:  strings.TrimSuffix(cfg.ServerBaseURL, "/"),
		store:    store,
		link:     link,
		clk:      clk,
		log:      log.WithField("component", "telemetry"),
		id:       id,
		bootTime: clk.Now(),
		memFree:  freeMemoryBytes,
	}

	r.log.WithField("device_id", id).Info("device identity ready")
	return r, nil
}

// Identity returns the stable device identifier.
func (r *Reporter) Identity() string {
	return r.id
}

// SendHeartbeat pushes one telemetry sample. Fire-and-forget.
func (r *Reporter) SendHeartbeat(ctx context.Context, firmwareVersion string) {
	sample := TelemetrySample{
		DeviceID:        r.id,
		FirmwareVersion: firmwareVersion,
		RSSI:            r.link.SignalStrength(),
		FreeHeap:        r.memFree(),
		Uptime:          uint64(r.clk.Now().Sub(r.bootTime) / time.Second),
	}

	body, err := json.Marshal(sample)
	if err != nil {
		r.log.WithError(err).Warn("failed to encode heartbeat")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/api/telemetry/heartbeat", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpc.Do(req)
	if err != nil {
		r.log.WithError(err).Warn("heartbeat send failed")
		return
	}
	resp.Body.Close()

	r.log.WithFields(logrus.Fields{
		"rssi":      sample.RSSI,
		"free_heap": sample.FreeHeap,
		"uptime":    sample.Uptime,
	}).Debug("heartbeat sent")
}

// ReportStatus logs a device status transition. The server learns about
// liveness implicitly through heartbeats.
func (r *Reporter) ReportStatus(ctx context.Context, status string) {
	r.log.WithField("status", status).Info("device status")
}

// ReportOTAStatus pushes one deployment status (downloading, applied,
// success, failed) and records it in the local attempt history. A transient
// push failure is retried twice, then dropped with a log line.
func (r *Reporter) ReportOTAStatus(ctx context.Context, status, version, deploymentID string) {
	if err := r.store.RecordOTAAttempt(ctx, ulid.Make().String(), deploymentID, version, status); err != nil {
		r.log.WithError(err).Warn("failed to record ota attempt")
	}

	endpoint := fmt.Sprintf("%s/api/ota/report?device_id=%s&status=%s&version=%s",
		r.baseURL, url.QueryEscape(r.id), url.QueryEscape(status), url.QueryEscape(version))

	push := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
			strings.NewReader("{}"))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.httpc.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 2), ctx)
	if err := backoff.Retry(push, policy); err != nil {
		r.log.WithError(err).WithField("status", status).Warn("ota status report dropped")
		return
	}

	r.log.WithFields(logrus.Fields{
		"status":  status,
		"version": version,
	}).Info("ota status reported")
}

// freeMemoryBytes approximates the device's free heap: heap address space
// the runtime holds but is not using.
func freeMemoryBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapSys - ms.HeapInuse
}
