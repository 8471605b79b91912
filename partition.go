package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Slot describes one bootable firmware partition.
type Slot struct {
	Label   string
	Base    int64
	Size    int64
	Tag     ValidityTag
	Version string
}

// PartitionTable is the boot-partition capability the platform provides.
// Implementations own the dual-bank layout; the agent only ever writes to the
// slot NextUpdateSlot returns, never to the running one.
type PartitionTable interface {
	// RunningSlot is the slot the current process booted from.
	RunningSlot(ctx context.Context) (Slot, error)
	// NextUpdateSlot is the inactive slot, selected fresh per update attempt.
	NextUpdateSlot(ctx context.Context) (Slot, error)
	// OpenSlotWriter opens a streaming write handle onto an inactive slot.
	// Opening the running slot is an error.
	OpenSlotWriter(ctx context.Context, label string) (io.WriteCloser, error)
	// SetBootTarget points the bootloader at the given slot for next boot.
	SetBootTarget(ctx context.Context, label, version string) error
	MarkPendingVerify(ctx context.Context, label string) error
	MarkValid(ctx context.Context, label string) error
	// MarkInvalidAndRollback condemns the slot and retargets the bootloader
	// at the previously valid one. The caller is expected to reboot and not
	// continue.
	MarkInvalidAndRollback(ctx context.Context, label string) error
}

// FlashBank is a file-backed PartitionTable: two image files under the data
// directory and slot/boot records in the store. Boot fallback is resolved at
// open time the way a dual-bank bootloader would: an invalid boot target
// falls back to the previous slot.
type FlashBank struct {
	store    *Store
	dataDir  string
	slotSize int64
	running  string
	log      logrus.FieldLogger
}

// OpenFlashBank initializes the bank, seeding slot and boot records on a
// factory-fresh data directory, then resolves which slot this boot runs from.
func OpenFlashBank(ctx context.Context, store *Store, dataDir string, slotSize int64, firmwareVersion string, log logrus.FieldLogger) (*FlashBank, error) {
	b := &FlashBank{
		store:    store,
		dataDir:  dataDir,
		slotSize: slotSize,
		log:      log.WithField("component", "flashbank"),
	}

	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := b.seed(ctx, firmwareVersion); err != nil {
		return nil, err
	}

	target, previous, _, err := store.GetBootRecord(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := store.GetSlot(ctx, target)
	if err != nil {
		return nil, err
	}

	if rec.Tag == TagInvalid {
		// Bootloader fallback: the target was condemned, boot the
		// previous slot instead.
		b.log.WithFields(logrus.Fields{
			"target":   target,
			"fallback": previous,
		}).Warn("boot target invalid, falling back to previous slot")
		b.running = previous
	} else {
		b.running = target
	}

	b.log.WithField("running", b.running).Info("flash bank opened")
	return b, nil
}

func (b *FlashBank) seed(ctx context.Context, firmwareVersion string) error {
	if _, _, ok, err := b.store.GetBootRecord(ctx); err != nil {
		return err
	} else if ok {
		return nil
	}

	// Factory state: slot A carries the shipped image, slot B is empty.
	seeds := []slotRecord{
		{Label: SlotLabelA, Tag: TagValid, Version: firmwareVersion},
		{Label: SlotLabelB, Tag: TagInvalid, Version: ""},
	}
	for _, rec := range seeds {
		if err := b.store.UpsertSlot(ctx, rec); err != nil {
			return err
		}
	}
	if err := b.store.PutBootRecord(ctx, SlotLabelA, SlotLabelA); err != nil {
		return err
	}

	b.log.Info("seeded factory boot records")
	return nil
}

func (b *FlashBank) slot(ctx context.Context, label string) (Slot, error) {
	rec, err := b.store.GetSlot(ctx, label)
	if err != nil {
		return Slot{}, err
	}
	base := int64(slotBaseA)
	if label == SlotLabelB {
		base = slotBaseB
	}
	return Slot{
		Label:   rec.Label,
		Base:    base,
		Size:    b.slotSize,
		Tag:     rec.Tag,
		Version: rec.Version,
	}, nil
}

// RunningSlot implements PartitionTable.
func (b *FlashBank) RunningSlot(ctx context.Context) (Slot, error) {
	return b.slot(ctx, b.running)
}

// NextUpdateSlot implements PartitionTable. The inactive slot is always the
// one the process did not boot from, so it can never alias the running image.
func (b *FlashBank) NextUpdateSlot(ctx context.Context) (Slot, error) {
	return b.slot(ctx, b.otherLabel())
}

func (b *FlashBank) otherLabel() string {
	if b.running == SlotLabelA {
		return SlotLabelB
	}
	return SlotLabelA
}

func (b *FlashBank) imagePath(label string) string {
	return filepath.Join(b.dataDir, label+".img")
}

// OpenSlotWriter implements PartitionTable. The handle truncates the slot
// image and enforces the slot capacity.
func (b *FlashBank) OpenSlotWriter(ctx context.Context, label string) (io.WriteCloser, error) {
	if label == b.running {
		return nil, fmt.Errorf("refusing to write running slot %s", label)
	}
	if label != SlotLabelA && label != SlotLabelB {
		return nil, fmt.Errorf("unknown slot %s", label)
	}

	f, err := os.OpenFile(b.imagePath(label), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open slot image: %w", err)
	}

	b.log.WithFields(logrus.Fields{
		"slot": label,
		"path": b.imagePath(label),
	}).Info("slot opened for writing")

	return &slotWriter{f: f, remaining: b.slotSize}, nil
}

// SetBootTarget implements PartitionTable.
func (b *FlashBank) SetBootTarget(ctx context.Context, label, version string) error {
	rec, err := b.store.GetSlot(ctx, label)
	if err != nil {
		return err
	}
	rec.Version = version
	if err := b.store.UpsertSlot(ctx, rec); err != nil {
		return err
	}
	if err := b.store.PutBootRecord(ctx, label, b.running); err != nil {
		return err
	}

	b.log.WithFields(logrus.Fields{
		"boot_target": label,
		"previous":    b.running,
	}).Info("boot target set")
	return nil
}

func (b *FlashBank) setTag(ctx context.Context, label string, tag ValidityTag) error {
	rec, err := b.store.GetSlot(ctx, label)
	if err != nil {
		return err
	}
	rec.Tag = tag
	return b.store.UpsertSlot(ctx, rec)
}

// MarkPendingVerify implements PartitionTable.
func (b *FlashBank) MarkPendingVerify(ctx context.Context, label string) error {
	return b.setTag(ctx, label, TagPendingVerify)
}

// MarkValid implements PartitionTable.
func (b *FlashBank) MarkValid(ctx context.Context, label string) error {
	return b.setTag(ctx, label, TagValid)
}

// MarkInvalidAndRollback implements PartitionTable.
func (b *FlashBank) MarkInvalidAndRollback(ctx context.Context, label string) error {
	if err := b.setTag(ctx, label, TagInvalid); err != nil {
		return err
	}

	_, previous, _, err := b.store.GetBootRecord(ctx)
	if err != nil {
		return err
	}
	if err := b.store.PutBootRecord(ctx, previous, previous); err != nil {
		return err
	}

	b.log.WithFields(logrus.Fields{
		"condemned":   label,
		"boot_target": previous,
	}).Warn("slot condemned, rolled back boot target")
	return nil
}

// slotWriter bounds writes to the slot capacity and syncs on close.
type slotWriter struct {
	f         *os.File
	remaining int64
}

func (w *slotWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > w.remaining {
		return 0, fmt.Errorf("slot capacity exceeded")
	}
	n, err := w.f.Write(p)
	w.remaining -= int64(n)
	return n, err
}

func (w *slotWriter) Close() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("failed to sync slot image: %w", err)
	}
	return w.f.Close()
}
