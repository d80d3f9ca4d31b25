package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/sortline/pkg/types"
)

func sampleSnapshot() types.CacheSnapshot {
	fetched := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	return types.CacheSnapshot{
		Entries: map[string]types.CacheEntry{
			"9780306406157": {
				Routing:   types.Routing{PusherID: 3, Label: "Reject Book", TriggerDistance: 200},
				FetchedAt: fetched,
			},
			"0724384960650": {
				Routing:   types.Routing{PusherID: 1, Label: "Amazon", TriggerDistance: 150},
				FetchedAt: fetched.Add(time.Minute),
			},
		},
	}
}

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("cache_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "cache_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	manager := NewManager(path)

	original := sampleSnapshot()
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	require.Len(t, loaded.Entries, 2)

	for barcode, want := range original.Entries {
		got, ok := loaded.Entries[barcode]
		require.True(t, ok, "entry %s should exist", barcode)
		assert.Equal(t, want.Routing, got.Routing)
		assert.True(t, want.FetchedAt.Equal(got.FetchedAt))
	}

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

// TestLoadMissingFile 首次啟動沒有快照
func TestLoadMissingFile(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Entries)
	assert.Empty(t, data.Entries)
	assert.False(t, manager.Exists())
}

// TestWriteCreatesDirectory 測試自動建立目錄
func TestWriteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "cache.json")
	require.NoError(t, NewManager(path).Write(types.CacheSnapshot{}))

	data, err := NewManager(path).Load()
	require.NoError(t, err)
	assert.Empty(t, data.Entries)
}

// TestLoadCorrupted 測試損壞的快照
func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewManager(path).Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptedSnapshot))
}

// TestLoadIncompatibleVersion 測試版本不相容
func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"entries":{},"schema_ver":2}`), 0o644))

	_, err := NewManager(path).Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncompatibleVersion))
}

// TestConcurrentWrites 測試並發寫入不會產生損壞檔案
func TestConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	manager := NewManager(path)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleSnapshot()))
		}()
	}
	wg.Wait()

	data, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, data.Entries, 2)
}
