package retention

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jellyvod/jellydown/internal/clock"
	"github.com/jellyvod/jellydown/internal/fsx"
)

func fixedDefaultDays(days int) func() *int {
	return func() *int { return &days }
}

func TestCreateOnComplete_DerivesExpiryFromDefault(t *testing.T) {
	root := t.TempDir()
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := New(root, mc, fsx.RealFS{}, fixedDefaultDays(7))

	rec, err := store.CreateOnComplete("job-1")
	require.NoError(t, err)
	assert.Nil(t, rec.OverrideDays)
	assert.Equal(t, mc.Now().AddDate(0, 0, 7), rec.ExpiresAt)
}

func TestUpdate_OverrideMustBeInRange(t *testing.T) {
	root := t.TempDir()
	mc := clock.NewMockClock(time.Now())
	store := New(root, mc, fsx.RealFS{}, fixedDefaultDays(7))
	_, err := store.CreateOnComplete("job-1")
	require.NoError(t, err)

	bad := 400
	_, err = store.Update("job-1", &bad)
	require.Error(t, err)
}

func TestUpdate_OverrideRecomputesExpiry(t *testing.T) {
	root := t.TempDir()
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := New(root, mc, fsx.RealFS{}, fixedDefaultDays(7))
	_, err := store.CreateOnComplete("job-1")
	require.NoError(t, err)

	days := 30
	rec, err := store.Update("job-1", &days)
	require.NoError(t, err)
	assert.Equal(t, mc.Now().AddDate(0, 0, 30), rec.ExpiresAt)
	assert.True(t, *rec.OverrideDays == 30)
}

func TestSweep_DeletesExpiredArtifactDirectories(t *testing.T) {
	root := t.TempDir()
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := New(root, mc, fsx.RealFS{}, fixedDefaultDays(1))

	_, err := store.CreateOnComplete("expired-job")
	require.NoError(t, err)

	mc.Advance(48 * time.Hour)
	n, err := store.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, statErr := fsx.RealFS{}.Stat(filepath.Join(root, "expired-job"))
	assert.Error(t, statErr)
}

func TestSweep_KeepsUnexpiredArtifacts(t *testing.T) {
	root := t.TempDir()
	mc := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := New(root, mc, fsx.RealFS{}, fixedDefaultDays(365))

	_, err := store.CreateOnComplete("fresh-job")
	require.NoError(t, err)

	n, err := store.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEffectiveRetention_LegacyArtifactWithNoRecord(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, fsx.RealFS{}.MkdirAll(filepath.Join(root, "legacy-job"), 0o755))
	mc := clock.NewMockClock(time.Now())
	store := New(root, mc, fsx.RealFS{}, fixedDefaultDays(7))

	eff, err := store.EffectiveRetention("legacy-job")
	require.NoError(t, err)
	assert.False(t, eff.IsOverride)
	assert.NotNil(t, eff.ExpiresAt)
}
