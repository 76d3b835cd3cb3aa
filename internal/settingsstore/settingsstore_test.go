package settingsstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesDefaultsWhenMissing(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	got := store.Get()
	assert.Equal(t, defaultSettings(), got)
}

func TestOpen_LoadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.Update(Settings{MaxConcurrentDownloads: 9, DownloadsDir: "d"}))

	reopened, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, 9, reopened.Get().MaxConcurrentDownloads)
}

func TestValidate_RejectsOutOfRangeConcurrency(t *testing.T) {
	assert.Error(t, Validate(Settings{MaxConcurrentDownloads: 0}))
	assert.Error(t, Validate(Settings{MaxConcurrentDownloads: 21}))
	assert.NoError(t, Validate(Settings{MaxConcurrentDownloads: 5}))
}

func TestValidate_RejectsOutOfRangeRetentionDays(t *testing.T) {
	tooMany := 400
	assert.Error(t, Validate(Settings{MaxConcurrentDownloads: 1, DefaultRetentionDays: &tooMany}))

	ok := 30
	assert.NoError(t, Validate(Settings{MaxConcurrentDownloads: 1, DefaultRetentionDays: &ok}))
}

func TestUpdate_RejectsInvalidSettingsWithoutPersisting(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	before := store.Get()

	err = store.Update(Settings{MaxConcurrentDownloads: -1})
	require.Error(t, err)
	assert.Equal(t, before, store.Get())
}

func TestUpdate_NotifiesListeners(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)

	ch := make(chan Settings, 1)
	store.RegisterListener(ch)

	require.NoError(t, store.Update(Settings{MaxConcurrentDownloads: 4, DownloadsDir: "out"}))

	select {
	case got := <-ch:
		assert.Equal(t, 4, got.MaxConcurrentDownloads)
	default:
		t.Fatal("expected a notification on the listener channel")
	}
}
