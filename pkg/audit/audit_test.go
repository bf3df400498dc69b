package audit_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainpilot/chainpilot/pkg/audit"
	"github.com/chainpilot/chainpilot/pkg/ledger"
)

func newRecorder(t *testing.T) (*audit.Recorder, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(ledger.DriverSQLite, filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	r := audit.NewRecorder(store, nil)
	r.WithClock(func() time.Time { return time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC) })
	return r, store
}

func TestRecordChainsEvents(t *testing.T) {
	r, store := newRecorder(t)
	ctx := context.Background()

	assert.Equal(t, "genesis", r.Head())

	require.NoError(t, r.Record(ctx, "ref-1", "tx.intake", map[string]any{"principal": "ai"}))
	first := r.Head()
	assert.NotEqual(t, "genesis", first)
	assert.Contains(t, first, "sha256:")

	require.NoError(t, r.Record(ctx, "ref-1", "tx.submitted", map[string]any{"hash": "0xabc"}))
	assert.NotEqual(t, first, r.Head())
	assert.Equal(t, uint64(2), r.Length())

	events, err := store.ListEvents(ctx, "ref-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "genesis", events[0].Detail["prev_hash"])
	assert.Equal(t, first, events[0].Detail["chain_hash"])
	assert.Equal(t, first, events[1].Detail["prev_hash"])
}

func TestVerifyEvents(t *testing.T) {
	r, store := newRecorder(t)
	ctx := context.Background()

	for i, typ := range []string{"tx.intake", "tx.submitted", "tx.confirmed"} {
		require.NoError(t, r.Record(ctx, "ref-2", typ, map[string]any{"step": i}))
	}
	events, err := store.ListEvents(ctx, "ref-2")
	require.NoError(t, err)

	ok, verdict := audit.VerifyEvents(events)
	assert.True(t, ok, verdict)

	// tamper with the middle link
	events[1].Detail["chain_hash"] = "sha256:0000"
	ok, verdict = audit.VerifyEvents(events)
	assert.False(t, ok)
	assert.Contains(t, verdict, "chain broken")
}

func TestRecordDeterministicHashing(t *testing.T) {
	mk := func() string {
		r, _ := newRecorder(t)
		// map iteration order must not affect the canonical hash
		require.NoError(t, r.Record(context.Background(), "ref-3", "tx.intake", map[string]any{
			"b": "two", "a": "one", "c": "three",
		}))
		return r.Head()
	}
	assert.Equal(t, mk(), mk())
}
