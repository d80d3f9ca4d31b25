package snapshot

// ============================================================================
// 職責說明：
// 1. 將路由快取序列化為 JSON 快照檔，重啟後免重新查詢
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 過期項目由載入端（resolver.Cache.Restore）依 TTL 丟棄
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = eris.New("snapshot file is corrupted")
	ErrIncompatibleVersion = eris.New("snapshot schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入同目錄的臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.CacheSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.Entries == nil {
		data.Entries = make(map[string]types.CacheEntry)
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return eris.Wrap(err, "failed to marshal snapshot")
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrap(err, "failed to create snapshot directory")
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return eris.Wrap(err, "failed to write temp snapshot")
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		_ = os.Remove(tmpPath)
		return eris.Wrap(err, "failed to rename snapshot")
	}

	return nil
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空快照（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (types.CacheSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.CacheSnapshot

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.CacheSnapshot{
				Entries:   make(map[string]types.CacheEntry),
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, eris.Wrap(err, "failed to read snapshot")
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, eris.Wrapf(ErrCorruptedSnapshot, "decode %s: %v", m.path, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, eris.Wrapf(ErrIncompatibleVersion, "got %d, want %d", data.SchemaVer, SchemaVersion)
	}

	if data.Entries == nil {
		data.Entries = make(map[string]types.CacheEntry)
	}

	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}
