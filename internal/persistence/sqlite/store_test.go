package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visezion/hcai-mini/internal/persistence"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func f64(v float64) *float64 { return &v }

func TestTelemetryRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := store.InsertTelemetry(ctx, persistence.TelemetryRow{
			TS:      "2026-08-24T10:00:0" + string(rune('0'+i)) + "Z",
			Site:    "site-a",
			Rack:    "r1",
			TempC:   f64(24.0 + float64(i)),
			RawJSON: `{"rack":"r1"}`,
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.InsertTelemetry(ctx, persistence.TelemetryRow{
		TS: "2026-08-24T10:00:09Z", Site: "site-a", Rack: "r2",
	}))

	rows, err := store.TelemetryHistory(ctx, "r1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2+1)
	// Newest first.
	assert.Equal(t, "2026-08-24T10:00:02Z", rows[0].TS)
	require.NotNil(t, rows[0].TempC)
	assert.Equal(t, 26.0, *rows[0].TempC)

	// Dropout row keeps nil metrics.
	r2, err := store.TelemetryHistory(ctx, "r2", 10)
	require.NoError(t, err)
	require.Len(t, r2, 1)
	assert.Nil(t, r2[0].TempC)
}

func TestActionLedgerLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.InsertAction(ctx, persistence.ActionRow{
		TS:       "2026-08-24T10:00:00Z",
		DeviceID: "crah-01",
		CmdJSON:  `{"cmd":"setpoints"}`,
		Mode:     "propose",
		Status:   persistence.StatusPendingManual,
		Reason:   "temperature_limit",
	})
	require.NoError(t, err)
	require.Positive(t, id)

	// pending_manual -> sent is allowed, sent -> applied is allowed.
	require.NoError(t, store.UpdateActionStatus(ctx, id, persistence.StatusSent))
	require.NoError(t, store.UpdateActionStatus(ctx, id, persistence.StatusApplied))

	// Leaving the DAG is rejected.
	err = store.UpdateActionStatus(ctx, id, persistence.StatusQueued)
	assert.ErrorIs(t, err, persistence.ErrInvalidTransition)

	// Self-transition is an idempotent no-op.
	require.NoError(t, store.UpdateActionStatus(ctx, id, persistence.StatusApplied))

	got, err := store.GetAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusApplied, got.Status)
}

func TestUpdateActionStatusUnknownID(t *testing.T) {
	store := openTestStore(t)
	err := store.UpdateActionStatus(context.Background(), 999, persistence.StatusSent)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestRecentActionsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.InsertAction(ctx, persistence.ActionRow{
			TS: "2026-08-24T10:00:00Z", DeviceID: "d", CmdJSON: "{}",
			Mode: "propose", Status: persistence.StatusQueued,
		})
		require.NoError(t, err)
	}
	rows, err := store.RecentActions(ctx, 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Greater(t, rows[0].ID, rows[1].ID)
	assert.Greater(t, rows[1].ID, rows[2].ID)
}

func TestReceiptDedupeAndJoin(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ts := "2026-08-24T10:05:00Z"
	id, err := store.InsertAction(ctx, persistence.ActionRow{
		TS: ts, DeviceID: "crah-01", CmdJSON: "{}",
		Mode: "auto_full", Status: persistence.StatusQueued,
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateActionStatus(ctx, id, persistence.StatusSent))

	inserted, err := store.InsertReceipt(ctx, persistence.ReceiptRow{
		TS: ts, DeviceID: "crah-01", Status: "applied",
		AppliedJSON: `{"supply_temp_c":17.7,"fan_rpm":1350}`,
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	// Duplicate (device_id, ts) is dropped.
	inserted, err = store.InsertReceipt(ctx, persistence.ReceiptRow{
		TS: ts, DeviceID: "crah-01", Status: "applied",
	})
	require.NoError(t, err)
	assert.False(t, inserted)

	// Exact-match join finds the sent action.
	match, err := store.FindSentAction(ctx, "crah-01", ts)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, id, match.ID)

	// No match for a different timestamp.
	miss, err := store.FindSentAction(ctx, "crah-01", "2026-08-24T10:06:00Z")
	require.NoError(t, err)
	assert.Nil(t, miss)

	applied, err := store.LatestAppliedReceipt(ctx, "crah-01")
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Contains(t, applied.AppliedJSON, "1350")
}

func TestAnomaliesAndForecasts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertForecast(ctx, persistence.ForecastRow{
		TS: "2026-08-24T10:00:00Z", HorizonS: 60, Rack: "r1",
		TempPred: f64(24.2), TempLo: f64(23.4), TempHi: f64(25.0),
	}))
	require.NoError(t, store.InsertAnomaly(ctx, persistence.AnomalyRow{
		TS: "2026-08-24T10:00:00Z", Rack: "r1", Score: 0.99, Threshold: 0.97, IsAlarm: true,
	}))
	require.NoError(t, store.InsertAnomaly(ctx, persistence.AnomalyRow{
		TS: "2026-08-24T10:00:01Z", Rack: "r1", Score: 0.42, Threshold: 0.97, IsAlarm: false,
	}))

	rows, err := store.RecentAnomalies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.False(t, rows[0].IsAlarm)
	assert.True(t, rows[1].IsAlarm)
}

func TestRecordAudit(t *testing.T) {
	store := openTestStore(t)
	err := store.RecordAudit(context.Background(), "tester", "discover_start", `{"subnet":"10.0.0.0/24"}`)
	require.NoError(t, err)
}
