package main

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"
)

func newTestBank(t *testing.T, s *Store) *FlashBank {
	t.Helper()
	b, err := OpenFlashBank(context.Background(), s, t.TempDir(), 1024*1024, "1.0.0", testLogger())
	assert.NilError(t, err)
	return b
}

func TestFlashBankFactoryState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := newTestBank(t, s)

	running, err := b.RunningSlot(ctx)
	assert.NilError(t, err)
	assert.Equal(t, running.Label, SlotLabelA)
	assert.Equal(t, running.Tag, TagValid)
	assert.Equal(t, running.Version, "1.0.0")

	next, err := b.NextUpdateSlot(ctx)
	assert.NilError(t, err)
	assert.Equal(t, next.Label, SlotLabelB)
	assert.Assert(t, next.Label != running.Label, "next slot must never alias the running slot")
}

func TestFlashBankRefusesWritingRunningSlot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := newTestBank(t, s)

	_, err := b.OpenSlotWriter(ctx, SlotLabelA)
	assert.Assert(t, err != nil)
}

func TestSlotWriterEnforcesCapacity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b, err := OpenFlashBank(ctx, s, t.TempDir(), 8, "1.0.0", testLogger())
	assert.NilError(t, err)

	w, err := b.OpenSlotWriter(ctx, SlotLabelB)
	assert.NilError(t, err)
	defer w.Close()

	_, err = w.Write(make([]byte, 8))
	assert.NilError(t, err)
	_, err = w.Write([]byte{0})
	assert.Assert(t, err != nil, "writes past the slot size must fail")
}

// An applied update boots from the new slot once; a failed health check rolls
// the bootloader back to the previous slot on the next open.
func TestFlashBankUpdateLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	dataDir := t.TempDir()

	b, err := OpenFlashBank(ctx, s, dataDir, 1024, "1.0.0", testLogger())
	assert.NilError(t, err)

	w, err := b.OpenSlotWriter(ctx, SlotLabelB)
	assert.NilError(t, err)
	_, err = w.Write([]byte("new image"))
	assert.NilError(t, err)
	assert.NilError(t, w.Close())

	assert.NilError(t, b.SetBootTarget(ctx, SlotLabelB, "1.0.1"))
	assert.NilError(t, b.MarkPendingVerify(ctx, SlotLabelB))

	// "Reboot": reopen the bank against the same records.
	b2, err := OpenFlashBank(ctx, s, dataDir, 1024, "1.0.0", testLogger())
	assert.NilError(t, err)

	running, err := b2.RunningSlot(ctx)
	assert.NilError(t, err)
	assert.Equal(t, running.Label, SlotLabelB)
	assert.Equal(t, running.Tag, TagPendingVerify)
	assert.Equal(t, running.Version, "1.0.1")

	// Health check fails: condemn the candidate.
	assert.NilError(t, b2.MarkInvalidAndRollback(ctx, SlotLabelB))

	b3, err := OpenFlashBank(ctx, s, dataDir, 1024, "1.0.0", testLogger())
	assert.NilError(t, err)

	running, err = b3.RunningSlot(ctx)
	assert.NilError(t, err)
	assert.Equal(t, running.Label, SlotLabelA, "rollback must restore the previous image")
	assert.Equal(t, running.Tag, TagValid)
	assert.Equal(t, running.Version, "1.0.0")
}

func TestFlashBankCommitLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	dataDir := t.TempDir()

	b, err := OpenFlashBank(ctx, s, dataDir, 1024, "1.0.0", testLogger())
	assert.NilError(t, err)

	w, err := b.OpenSlotWriter(ctx, SlotLabelB)
	assert.NilError(t, err)
	assert.NilError(t, w.Close())
	assert.NilError(t, b.SetBootTarget(ctx, SlotLabelB, "1.0.1"))
	assert.NilError(t, b.MarkPendingVerify(ctx, SlotLabelB))

	b2, err := OpenFlashBank(ctx, s, dataDir, 1024, "1.0.0", testLogger())
	assert.NilError(t, err)

	// Health check passes: commit.
	assert.NilError(t, b2.MarkValid(ctx, SlotLabelB))

	b3, err := OpenFlashBank(ctx, s, dataDir, 1024, "1.0.0", testLogger())
	assert.NilError(t, err)

	running, err := b3.RunningSlot(ctx)
	assert.NilError(t, err)
	assert.Equal(t, running.Label, SlotLabelB)
	assert.Equal(t, running.Tag, TagValid)

	next, err := b3.NextUpdateSlot(ctx)
	assert.NilError(t, err)
	assert.Equal(t, next.Label, SlotLabelA)
}
