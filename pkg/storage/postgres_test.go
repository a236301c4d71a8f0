package storage

import (
	"context"
	"os"
	"testing"

	"github.com/coder/quartz"
	"github.com/cuemby/perimeter/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDatabaseEnv = "PERIMETER_TEST_DATABASE_URL"

func newPostgresStore(t *testing.T, clock *quartz.Mock) Store {
	t.Helper()
	dsn := os.Getenv(testDatabaseEnv)
	if dsn == "" {
		t.Skip(testDatabaseEnv + " not set (integration test)")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn, Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.EnsureSchema(ctx))
	_, err = s.db.ExecContext(ctx,
		`TRUNCATE location_samples, geofence_memberships, geofence_events, geofences`)
	require.NoError(t, err)
	return s
}

// TestPostgresStore runs the shared store contract against PostgreSQL
func TestPostgresStore(t *testing.T) {
	runStoreContract(t, newPostgresStore)
}

// TestPostgresImport moves a bbolt snapshot into PostgreSQL
func TestPostgresImport(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock(t)
	dst := newPostgresStore(t, clock).(*PostgresStore)

	src, err := NewBoltStore(t.TempDir(), Options{Clock: clock})
	require.NoError(t, err)
	defer src.Close()

	sample := newSample("u1", baseTime)
	_, err = src.InsertSample(ctx, sample)
	require.NoError(t, err)

	event := newEvent("u1", "HQ", types.EventTypeEnter, baseTime)
	require.NoError(t, src.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateEvent(event); err != nil {
			return err
		}
		_, err := tx.CompareAndSetMembership("u1", "HQ", false, true, event.ID, baseTime)
		return err
	}))
	require.NoError(t, src.PutGeofence(ctx, &types.GeofenceDefinition{Code: "HQ", RadiusM: 15, Active: true}))

	snap, err := src.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, dst.Import(ctx, snap))
	// Re-running is harmless
	require.NoError(t, dst.Import(ctx, snap))

	got, err := dst.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryStatusPending, got.DeliveryStatus)

	state, err := dst.GetMembership(ctx, "u1", "HQ")
	require.NoError(t, err)
	assert.True(t, state.IsInside)
	assert.Equal(t, event.ID, state.LastEnterEventID)

	batch, err := dst.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, sample.ID, batch[0].ID)

	fences, err := dst.ListGeofences(ctx)
	require.NoError(t, err)
	assert.Len(t, fences, 1)
}
