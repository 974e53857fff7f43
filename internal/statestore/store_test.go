package statestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riptide-engine/riptide/errs"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	file, err := NewFile(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemory(),
		"file":   file,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			doc := []byte(`{"symbol":"BTCUSDT","quantity":2}`)

			saved, err := store.Save(ctx, KeyPositionsOpen, doc)
			require.NoError(t, err)
			require.Equal(t, uint64(1), saved.Version)

			loaded, err := store.Load(ctx, KeyPositionsOpen)
			require.NoError(t, err)
			require.JSONEq(t, string(doc), string(loaded.Data))
			require.Equal(t, uint64(1), loaded.Version)
			require.False(t, loaded.UpdatedAt.IsZero())
		})
	}
}

func TestSaveBumpsVersion(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Save(ctx, KeyConfigCurrent, []byte(`{"v":1}`))
			require.NoError(t, err)
			second, err := store.Save(ctx, KeyConfigCurrent, []byte(`{"v":2}`))
			require.NoError(t, err)
			require.Equal(t, uint64(2), second.Version)

			loaded, err := store.Load(ctx, KeyConfigCurrent)
			require.NoError(t, err)
			require.JSONEq(t, `{"v":2}`, string(loaded.Data))
		})
	}
}

func TestLoadMissingKeyNotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(context.Background(), KeyOrdersAudit)
			require.Error(t, err)
			require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
		})
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Save(ctx, KeyConfigHistory, []byte(`[]`))
			require.NoError(t, err)
			require.NoError(t, store.Delete(ctx, KeyConfigHistory))
			require.NoError(t, store.Delete(ctx, KeyConfigHistory))
			_, err = store.Load(ctx, KeyConfigHistory)
			require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
		})
	}
}

func TestKeyValidation(t *testing.T) {
	store := NewMemory()
	_, err := store.Save(context.Background(), Key(""), nil)
	require.Error(t, err)
	_, err = store.Save(context.Background(), Key("../escape"), nil)
	require.Error(t, err)
}

func TestFileSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFile(dir)
	require.NoError(t, err)
	_, err = first.Save(context.Background(), KeyConfigCurrent, []byte(`{"v":1}`))
	require.NoError(t, err)

	second, err := NewFile(dir)
	require.NoError(t, err)
	loaded, err := second.Load(context.Background(), KeyConfigCurrent)
	require.NoError(t, err)
	require.Equal(t, uint64(1), loaded.Version)
	require.JSONEq(t, `{"v":1}`, string(loaded.Data))
}

func TestFileCorruptionIsFatal(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config_current.json"),
		[]byte("{not json"), 0o640))

	_, err = store.Load(context.Background(), KeyConfigCurrent)
	require.Error(t, err)
	require.True(t, errs.IsFatal(err))
}
