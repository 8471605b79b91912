package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CheckResult is the outcome of one update check.
type CheckResult int

const (
	CheckUpdateAvailable CheckResult = iota
	CheckNoUpdate
	CheckError
)

const downloadChunkSize = 4096

// UpdateManager owns the dual-slot update lifecycle: check, streaming
// download into the inactive slot with an incremental SHA-256, verify, apply.
// One cycle's state (descriptor, hash accumulator, write handle) lives here
// and is reset by Apply or Abort; the agent loop is sequential, so no cycle
// ever overlaps another.
type UpdateManager struct {
	httpc    *http.Client
	download *http.Client
	baseURL  *url.URL
	deviceID string
	bank     PartitionTable
	log      logrus.FieldLogger

	desc       *UpdateDescriptor
	hasher     hash.Hash
	writer     io.WriteCloser
	target     Slot
	received   int64
	downloaded bool
}

// NewUpdateManager builds the manager. httpTimeout bounds control-plane
// requests; downloadTimeout bounds one whole artifact transfer.
func NewUpdateManager(baseURL, deviceID string, bank PartitionTable, httpTimeout, downloadTimeout time.Duration, log logrus.FieldLogger) (*UpdateManager, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server base url: %w", err)
	}
	return &UpdateManager{
		httpc:    &http.Client{Timeout: httpTimeout},
		download: &http.Client{Timeout: downloadTimeout},
		baseURL:  base,
		deviceID: deviceID,
		bank:     bank,
		log:      log.WithField("component", "ota"),
	}, nil
}

type checkRequest struct {
	DeviceID       string `json:"device_id"`
	CurrentVersion string `json:"current_version"`
}

type checkResponse struct {
	UpdateAvailable bool   `json:"update_available"`
	Version         string `json:"version"`
	ArtifactHash    string `json:"artifact_hash"`
	DownloadURL     string `json:"download_url"`
	ArtifactSize    int64  `json:"artifact_size"`
	DeploymentID    string `json:"deployment_id"`
}

// CheckForUpdate asks the server whether a newer version exists. Malformed
// or unreachable responses are CheckError; the agent treats that like
// CheckNoUpdate but it is logged distinctly.
func (u *UpdateManager) CheckForUpdate(ctx context.Context, currentVersion string) (CheckResult, *UpdateDescriptor) {
	body, err := json.Marshal(checkRequest{
		DeviceID:       u.deviceID,
		CurrentVersion: currentVersion,
	})
	if err != nil {
		u.log.WithError(err).Error("failed to encode check request")
		return CheckError, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.endpoint("/api/ota/check"), bytes.NewReader(body))
	if err != nil {
		return CheckError, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpc.Do(req)
	if err != nil {
		u.log.WithError(err).Warn("update check request failed")
		return CheckError, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		u.log.WithField("status", resp.StatusCode).Warn("update check rejected")
		return CheckError, nil
	}

	var cr checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		u.log.WithError(err).Warn("update check response malformed")
		return CheckError, nil
	}

	if !cr.UpdateAvailable {
		return CheckNoUpdate, nil
	}

	desc := &UpdateDescriptor{
		Version:      cr.Version,
		ArtifactHash: cr.ArtifactHash,
		DownloadURL:  u.resolveURL(cr.DownloadURL),
		ArtifactSize: cr.ArtifactSize,
		DeploymentID: cr.DeploymentID,
	}

	u.log.WithFields(logrus.Fields{
		"version":       desc.Version,
		"artifact_size": desc.ArtifactSize,
		"deployment_id": desc.DeploymentID,
	}).Info("update available")
	return CheckUpdateAvailable, desc
}

// Download streams the artifact into the inactive slot in fixed-size chunks,
// feeding every chunk through the hash accumulator. The digest covers exactly
// the bytes written to the slot. Any mid-stream error aborts the partial
// write. The received byte count must match the descriptor's declared size.
func (u *UpdateManager) Download(ctx context.Context, desc *UpdateDescriptor) error {
	slot, err := u.bank.NextUpdateSlot(ctx)
	if err != nil {
		return fmt.Errorf("failed to select update slot: %w", err)
	}

	w, err := u.bank.OpenSlotWriter(ctx, slot.Label)
	if err != nil {
		return fmt.Errorf("failed to open update slot: %w", err)
	}

	u.desc = desc
	u.hasher = sha256.New()
	u.writer = w
	u.target = slot
	u.received = 0
	u.downloaded = false

	log := u.log.WithFields(logrus.Fields{
		"version": desc.Version,
		"slot":    slot.Label,
	})
	log.Info("starting artifact download")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.DownloadURL, nil)
	if err != nil {
		u.Abort()
		return fmt.Errorf("invalid download url: %w", err)
	}

	resp, err := u.download.Do(req)
	if err != nil {
		u.Abort()
		return fmt.Errorf("artifact request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		u.Abort()
		return fmt.Errorf("artifact request returned status %d", resp.StatusCode)
	}

	if resp.ContentLength >= 0 && desc.ArtifactSize > 0 && resp.ContentLength != desc.ArtifactSize {
		log.WithFields(logrus.Fields{
			"content_length": resp.ContentLength,
			"artifact_size":  desc.ArtifactSize,
		}).Warn("content length disagrees with manifest size")
	}

	mw := io.MultiWriter(w, u.hasher)
	buf := make([]byte, downloadChunkSize)
	var lastProgress int64

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := mw.Write(buf[:n]); werr != nil {
				u.Abort()
				return fmt.Errorf("slot write failed: %w", werr)
			}
			u.received += int64(n)
			if u.received-lastProgress >= 64*1024 {
				log.WithField("bytes", u.received).Debug("download progress")
				lastProgress = u.received
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			u.Abort()
			return fmt.Errorf("artifact stream failed: %w", err)
		}
	}

	if desc.ArtifactSize > 0 && u.received != desc.ArtifactSize {
		received := u.received
		u.Abort()
		return fmt.Errorf("artifact truncated: received %d bytes, manifest declares %d",
			received, desc.ArtifactSize)
	}

	u.downloaded = true
	log.WithField("bytes", u.received).Info("download complete")
	return nil
}

// VerifyHash finalizes the accumulator and compares it to the descriptor's
// expected digest, case-insensitively. Only meaningful after a successful
// Download.
func (u *UpdateManager) VerifyHash(desc *UpdateDescriptor) bool {
	if !u.downloaded || u.hasher == nil {
		return false
	}

	computed := hex.EncodeToString(u.hasher.Sum(nil))
	match := strings.EqualFold(computed, desc.ArtifactHash)

	u.log.WithFields(logrus.Fields{
		"computed": computed,
		"expected": strings.ToLower(desc.ArtifactHash),
		"match":    match,
	}).Info("artifact hash verified")
	return match
}

// Apply finalizes the slot write, points the bootloader at the new slot and
// tags it pending_verify. Rebooting is the orchestrator's job.
func (u *UpdateManager) Apply(ctx context.Context) error {
	if !u.downloaded || u.writer == nil {
		return fmt.Errorf("no verified download to apply")
	}

	if err := u.writer.Close(); err != nil {
		u.reset()
		return fmt.Errorf("failed to finalize slot write: %w", err)
	}
	u.writer = nil

	if err := u.bank.SetBootTarget(ctx, u.target.Label, u.desc.Version); err != nil {
		u.reset()
		return fmt.Errorf("failed to set boot target: %w", err)
	}
	if err := u.bank.MarkPendingVerify(ctx, u.target.Label); err != nil {
		u.reset()
		return fmt.Errorf("failed to tag slot pending verify: %w", err)
	}

	u.log.WithFields(logrus.Fields{
		"slot":    u.target.Label,
		"version": u.desc.Version,
	}).Info("update applied, next boot from new slot")

	u.reset()
	return nil
}

// Abort discards any in-progress write state. Safe to call when nothing is
// active.
func (u *UpdateManager) Abort() {
	if u.writer != nil {
		u.writer.Close()
		u.log.WithField("slot", u.target.Label).Warn("update aborted, partial write discarded")
	}
	u.reset()
}

func (u *UpdateManager) reset() {
	u.desc = nil
	u.hasher = nil
	u.writer = nil
	u.target = Slot{}
	u.received = 0
	u.downloaded = false
}

// ServerReachable is a best-effort liveness probe. It is advisory only and
// never authoritative for update decisions.
func (u *UpdateManager) ServerReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		u.endpoint("/api/ota/public-key"), nil)
	if err != nil {
		return false
	}
	resp, err := u.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (u *UpdateManager) endpoint(path string) string {
	ref := *u.baseURL
	ref.Path = strings.TrimSuffix(ref.Path, "/") + path
	return ref.String()
}

func (u *UpdateManager) resolveURL(raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.baseURL.ResolveReference(ref).String()
}
