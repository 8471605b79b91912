package main

// UpdateDescriptor describes one firmware update offered by the fleet server.
// It is built fresh on every successful update check and lives for exactly one
// download/verify/apply attempt; it is never persisted.
type UpdateDescriptor struct {
	Version      string `json:"version"`
	ArtifactHash string `json:"artifact_hash"` // 64 lowercase hex chars (SHA-256)
	DownloadURL  string `json:"download_url"`
	ArtifactSize int64  `json:"artifact_size"`
	DeploymentID string `json:"deployment_id"`
}

// Credentials are the stored Wi-Fi join parameters. An empty passphrase is
// valid (open network); an empty SSID is not.
type Credentials struct {
	SSID       string
	Passphrase string
}

// TelemetrySample is the heartbeat payload. Built fresh per tick, not retained.
type TelemetrySample struct {
	DeviceID        string `json:"device_id"`
	FirmwareVersion string `json:"firmware_version"`
	RSSI            int    `json:"rssi"`
	FreeHeap        uint64 `json:"free_heap"`
	Uptime          uint64 `json:"uptime"`
}

// ValidityTag is the tri-state boot image marker attached to a slot.
// pending_verify is set at apply time and resolved to valid or invalid by the
// post-update health check.
type ValidityTag string

const (
	TagValid         ValidityTag = "valid"
	TagPendingVerify ValidityTag = "pending_verify"
	TagInvalid       ValidityTag = "invalid"
)

// OTA report status vocabulary (POST /api/ota/report).
const (
	OTAStatusDownloading = "downloading"
	OTAStatusApplied     = "applied"
	OTAStatusSuccess     = "success"
	OTAStatusFailed      = "failed"
)

// Slot labels for the dual-bank flash layout.
const (
	SlotLabelA = "ota_0"
	SlotLabelB = "ota_1"
)

// Synthetic flash base addresses for the two slots. The file-backed bank does
// not address flash through them, but they are part of the slot descriptor
// the platform reports.
const (
	slotBaseA = 0x10000
	slotBaseB = 0x1A0000
)
