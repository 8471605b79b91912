package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store is the device's durable state: Wi-Fi credentials, device identity,
// the boot-slot records backing the flash bank, and the OTA attempt history.
// It is the only state that survives a reboot.
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// NewStore opens (or creates) the backing SQLite database.
func NewStore(dbPath string, log logrus.FieldLogger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL so the portal handler and the agent loop can touch the store
	// concurrently without write starvation.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, log: log.WithField("component", "store")}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);

	CREATE TABLE IF NOT EXISTS slots (
		label TEXT PRIMARY KEY,
		tag TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS boot_record (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		boot_target TEXT NOT NULL,
		previous TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ota_attempts (
		id TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL,
		version TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Namespaces for the kv table. Credentials and identity are independent, per
// the persistence contract.
const (
	nsWifi   = "wifi_creds"
	nsDevice = "device_cfg"

	keySSID     = "ssid"
	keyPass     = "password"
	keyDeviceID = "device_id"
)

// GetCredentials returns the stored Wi-Fi credentials, or nil when the device
// is unprovisioned. Both fields are read in one query so a torn pair can never
// be observed.
func (s *Store) GetCredentials(ctx context.Context) (*Credentials, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE namespace = ? AND key IN (?, ?)`,
		nsWifi, keySSID, keyPass)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds Credentials
	found := false
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		switch k {
		case keySSID:
			creds.SSID = v
			found = true
		case keyPass:
			creds.Passphrase = v
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	if !found || creds.SSID == "" {
		return nil, nil
	}
	return &creds, nil
}

// PutCredentials stores both fields in a single transaction. Partial writes
// are impossible: either the new pair lands or the old pair stays.
func (s *Store) PutCredentials(ctx context.Context, creds Credentials) error {
	if creds.SSID == "" {
		return fmt.Errorf("credentials require a non-empty ssid")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, kv := range []struct{ k, v string }{
		{keySSID, creds.SSID},
		{keyPass, creds.Passphrase},
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
			ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
			nsWifi, kv.k, kv.v); err != nil {
			return fmt.Errorf("failed to store credential: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credentials: %w", err)
	}

	s.log.WithField("ssid", creds.SSID).Info("credentials saved")
	return nil
}

// EraseCredentials removes the whole Wi-Fi namespace.
func (s *Store) EraseCredentials(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ?`, nsWifi); err != nil {
		return fmt.Errorf("failed to erase credentials: %w", err)
	}
	s.log.Info("wifi credentials erased")
	return nil
}

// GetDeviceID returns the stored identity, or "" when none has been minted.
func (s *Store) GetDeviceID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`,
		nsDevice, keyDeviceID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query device id: %w", err)
	}
	return id, nil
}

// PutDeviceID persists the identity.
func (s *Store) PutDeviceID(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value`,
		nsDevice, keyDeviceID, id); err != nil {
		return fmt.Errorf("failed to store device id: %w", err)
	}
	return nil
}

// slotRecord is the persisted half of a Slot descriptor.
type slotRecord struct {
	Label   string
	Tag     ValidityTag
	Version string
}

// GetSlot reads one slot record. Missing slots return sql.ErrNoRows wrapped.
func (s *Store) GetSlot(ctx context.Context, label string) (slotRecord, error) {
	var rec slotRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT label, tag, version FROM slots WHERE label = ?`, label).
		Scan(&rec.Label, &rec.Tag, &rec.Version)
	if err != nil {
		return rec, fmt.Errorf("failed to get slot %s: %w", label, err)
	}
	return rec, nil
}

// UpsertSlot writes a slot record.
func (s *Store) UpsertSlot(ctx context.Context, rec slotRecord) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO slots (label, tag, version) VALUES (?, ?, ?)
		ON CONFLICT(label) DO UPDATE SET tag = excluded.tag, version = excluded.version`,
		rec.Label, rec.Tag, rec.Version); err != nil {
		return fmt.Errorf("failed to upsert slot %s: %w", rec.Label, err)
	}
	return nil
}

// GetBootRecord returns the boot target and the previously running slot.
// ok is false when no record exists yet (factory-fresh device).
func (s *Store) GetBootRecord(ctx context.Context) (target, previous string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT boot_target, previous FROM boot_record WHERE id = 1`).
		Scan(&target, &previous)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to get boot record: %w", err)
	}
	return target, previous, true, nil
}

// PutBootRecord stores the boot target and its fallback.
func (s *Store) PutBootRecord(ctx context.Context, target, previous string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO boot_record (id, boot_target, previous) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET boot_target = excluded.boot_target, previous = excluded.previous`,
		target, previous); err != nil {
		return fmt.Errorf("failed to store boot record: %w", err)
	}
	return nil
}

// RecordOTAAttempt appends to the update attempt history.
func (s *Store) RecordOTAAttempt(ctx context.Context, id, deploymentID, version, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ota_attempts (id, deployment_id, version, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
		id, deploymentID, version, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record ota attempt: %w", err)
	}
	return nil
}

// LastOTAAttempt returns the status of the most recent attempt, or "" when
// the history is empty.
func (s *Store) LastOTAAttempt(ctx context.Context) (version, status string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT version, status FROM ota_attempts ORDER BY created_at DESC, id DESC LIMIT 1`).
		Scan(&version, &status)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query ota attempts: %w", err)
	}
	return version, status, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
