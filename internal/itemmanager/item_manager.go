// ============================================================================
// Sortline 物件管理器 - 在途物件狀態機
// ============================================================================
//
// Package: internal/itemmanager
// 文件: item_manager.go
// 功能: 管理輸送帶上在途物件的完整生命週期和狀態轉換
//
// 設計理念:
//   1. items map - 在途物件的唯一存儲 (Single Source of Truth)，以條碼為鍵
//   2. queue - 未配對掃描佇列，保證 FIFO（最早掃描者先配對光電訊號）
//   3. 所有會破壞不變式的複合操作（建立+入列、出列+配對、推進+移除）
//      都在同一個方法內完成，共用同一把鎖
//
// 物件狀態轉換 (State Machine):
//   Pending (待配對)
//      ↓ MatchNext()            ← 光電訊號
//   Matched (已配對) ──AttachRouting()──→ Routed (已路由)
//      ↓ Advance() 位置 ≥ 觸發距離
//   Actuated (終態，立即移出)
//
//   任何非終態 ──Fail()──→ Errored (終態，立即移出)
//   路由可能在配對前到達：Pending 物件會保留 Routing，配對時直接成為 Routed
//
// 佇列佔位:
//   未配對物件若查詢失敗而被移出，佇列中仍保留其位置（已退役），
//   下一個光電訊號會被該位置消耗，避免後續物件錯位配對
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 回傳值一律為拷貝，呼叫者無法改動內部狀態
//
// ============================================================================

package itemmanager

import (
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 條碼已有未結束的紀錄
	ErrDuplicateItem = eris.New("item already in flight")
	// 物件不存在
	ErrItemNotFound = eris.New("item not found")
	// 未配對佇列為空
	ErrQueueEmpty = eris.New("unmatched scan queue is empty")
	// 佇列頭為已退役的佔位
	ErrSlotRetired = eris.New("queue slot belongs to a retired item")
	// 路由已存在
	ErrAlreadyRouted = eris.New("item already routed")
)

// ItemManager 在途物件管理器
type ItemManager struct {
	mu    sync.RWMutex
	items map[string]*types.Item // 在途物件，透過 Status 欄位區分狀態
	queue []*types.Item          // 未配對掃描佇列（可能含已退役佔位）
}

// NewItemManager 建立新的物件管理器
//
// 併發安全：返回的實例是執行緒安全的
func NewItemManager() *ItemManager {
	return &ItemManager{
		items: make(map[string]*types.Item),
		queue: make([]*types.Item, 0),
	}
}

// Create 為新掃描的條碼建立 Pending 紀錄並加入未配對佇列
//
// 返回值：
//   - types.Item: 新紀錄的拷貝
//   - error: 條碼已有未結束紀錄時回傳 ErrDuplicateItem
func (m *ItemManager) Create(barcode string, now time.Time) (types.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[barcode]; exists {
		return types.Item{}, ErrDuplicateItem
	}

	item := &types.Item{
		ID:       barcode,
		Status:   types.StatusPending,
		ScanTime: now,
	}
	m.items[barcode] = item
	m.queue = append(m.queue, item)

	return item.Clone(), nil
}

// MatchNext 取出佇列中最早的未配對紀錄並指派光電訊號起點
//
// 錯誤處理：
//   - ErrQueueEmpty: 沒有未配對紀錄（孤兒光電訊號）
//   - ErrSlotRetired: 佇列頭是已退役的佔位，訊號被其消耗，回傳該物件拷貝
func (m *ItemManager) MatchNext(positionID int, now time.Time) (types.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return types.Item{}, ErrQueueEmpty
	}

	item := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]

	if item.Status.IsTerminal() {
		return item.Clone(), ErrSlotRetired
	}

	assigned := now
	item.PositionID = positionID
	item.PositionAssignedTime = &assigned
	item.EstimatedPosition = 0
	if item.Routing != nil {
		item.Status = types.StatusRouted
	} else {
		item.Status = types.StatusMatched
	}

	return item.Clone(), nil
}

// AttachRouting 將路由決策附加到在途紀錄
//
// 錯誤處理：
//   - ErrItemNotFound: 紀錄已被移除（延遲到達的結果應丟棄）
//   - ErrAlreadyRouted: 紀錄已有路由
func (m *ItemManager) AttachRouting(barcode string, routing types.Routing) (types.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.items[barcode]
	if !exists {
		return types.Item{}, ErrItemNotFound
	}
	if item.Routing != nil {
		return item.Clone(), ErrAlreadyRouted
	}

	r := routing
	item.Routing = &r
	if item.IsMatched() {
		item.Status = types.StatusRouted
	}

	return item.Clone(), nil
}

// Fail 將紀錄標記為 Errored 並移出在途集合
//
// 若紀錄仍在未配對佇列中，保留其佔位（見檔頭說明）
func (m *ItemManager) Fail(barcode string, kind types.ErrorKind, reason string) (types.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.items[barcode]
	if !exists {
		return types.Item{}, ErrItemNotFound
	}

	item.Status = types.StatusErrored
	item.Kind = kind
	item.Reason = reason
	delete(m.items, barcode)

	return item.Clone(), nil
}

// Advance 依皮帶速度重新計算所有已配對物件的位置，並移出到達觸發距離的物件
//
// 位置一律由配對時間重新計算（speed × elapsed），不做累加，
// 速度在兩次 tick 之間改變也不會累積誤差
//
// 返回值：
//   - []types.Item: 本次到期的物件（已從集合移除，狀態為 Actuated），
//     呼叫者必須對每一筆送出且只送出一次推桿命令
func (m *ItemManager) Advance(now time.Time, speed float64) []types.Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []types.Item
	for barcode, item := range m.items {
		if !item.IsMatched() {
			continue
		}

		elapsed := now.Sub(*item.PositionAssignedTime).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		item.EstimatedPosition = speed * elapsed

		// 路由未到達前不得推出
		if item.Routing == nil {
			continue
		}
		if item.EstimatedPosition >= item.Routing.TriggerDistance {
			item.Status = types.StatusActuated
			delete(m.items, barcode)
			due = append(due, item.Clone())
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].PositionAssignedTime.Before(*due[j].PositionAssignedTime)
	})
	return due
}

// Remove 強制移除紀錄（操作員覆寫）
//
// 與 Fail 不同，Remove 同時移除佇列中的位置：物件已被人工取下
func (m *ItemManager) Remove(barcode string) (types.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.items[barcode]
	if !exists {
		return types.Item{}, ErrItemNotFound
	}
	delete(m.items, barcode)

	for i, queued := range m.queue {
		if queued == item {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}

	return item.Clone(), nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得紀錄拷貝
func (m *ItemManager) Get(barcode string) (types.Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, exists := m.items[barcode]
	if !exists {
		return types.Item{}, false
	}
	return item.Clone(), true
}

// Snapshot 取得所有在途紀錄（依掃描時間排序）
func (m *ItemManager) Snapshot() []types.Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]types.Item, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item.Clone())
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ScanTime.Before(items[j].ScanTime)
	})
	return items
}

// Len 在途紀錄數量
func (m *ItemManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// QueueLen 未配對佇列長度（含已退役佔位）
func (m *ItemManager) QueueLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue)
}

// Stats 取得各狀態紀錄數量
func (m *ItemManager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]int{
		"pending":   0,
		"matched":   0,
		"routed":    0,
		"live":      len(m.items),
		"unmatched": len(m.queue),
	}
	for _, item := range m.items {
		stats[string(item.Status)]++
	}
	return stats
}
