// Package types 定義了 sortline 系統中使用的核心領域模型
package types

import (
	"time"
)

// ItemStatus 物件追蹤狀態
type ItemStatus string

// 定義物件狀態常數
const (
	StatusPending  ItemStatus = "pending"  // 待配對狀態：條碼已掃描但尚未對應光電訊號
	StatusMatched  ItemStatus = "matched"  // 已配對狀態：光電訊號已指派起點，尚無路由
	StatusRouted   ItemStatus = "routed"   // 已路由狀態：已配對且路由決策已到達
	StatusActuated ItemStatus = "actuated" // 已推出狀態：推桿命令已送出（終態）
	StatusErrored  ItemStatus = "errored"  // 錯誤狀態：查詢或推桿命令失敗（終態）
)

// IsTerminal 判斷是否為終態
func (s ItemStatus) IsTerminal() bool {
	return s == StatusActuated || s == StatusErrored
}

// ErrorKind 錯誤分類，隨 Errored 事件一起回報
type ErrorKind string

const (
	KindCorrelationOrphan ErrorKind = "correlation_orphan"
	KindLookupAuthFailure ErrorKind = "lookup_auth_failure"
	KindLookupTransient   ErrorKind = "lookup_transient"
	KindLookupFailed      ErrorKind = "lookup_failed"
	KindActuationFailure  ErrorKind = "actuation_failure"
)

// Routing 路由決策：目標推桿、標籤與觸發距離
type Routing struct {
	PusherID        int     `json:"pusher_id"`        // 推桿編號
	Label           string  `json:"label"`            // 分類標籤（例如 FBA、Reject Book）
	TriggerDistance float64 `json:"trigger_distance"` // 觸發距離（與皮帶速度同單位）
}

// Item 物件紀錄，代表輸送帶上一個實體物件
type Item struct {
	// 識別
	ID string `json:"id"` // 條碼（在同時在途的物件間唯一）

	// 狀態追蹤
	Status ItemStatus `json:"status"`
	Kind   ErrorKind  `json:"error_kind,omitempty"` // 錯誤分類（僅 Errored）
	Reason string     `json:"reason,omitempty"`     // 錯誤原因

	// 時間與位置
	ScanTime             time.Time  `json:"scan_time"`
	PositionID           int        `json:"position_id,omitempty"`            // 光電訊號帶來的格位編號
	PositionAssignedTime *time.Time `json:"position_assigned_time,omitempty"` // 配對時間，未配對為 nil
	EstimatedPosition    float64    `json:"estimated_position"`               // 自配對起已行進距離

	// 路由資訊（查詢完成前為 nil）
	Routing *Routing `json:"routing,omitempty"`
}

// IsMatched 是否已指派光電訊號起點
func (i *Item) IsMatched() bool {
	return i.PositionAssignedTime != nil
}

// Clone 深拷貝，避免呼叫者修改內部狀態
func (i *Item) Clone() Item {
	c := *i
	if i.PositionAssignedTime != nil {
		t := *i.PositionAssignedTime
		c.PositionAssignedTime = &t
	}
	if i.Routing != nil {
		r := *i.Routing
		c.Routing = &r
	}
	return c
}

// EventType 生命週期事件類型
type EventType string

const (
	EventCreated   EventType = "item.created"
	EventMatched   EventType = "item.matched"
	EventRouted    EventType = "item.routed"
	EventActuated  EventType = "item.actuated"
	EventErrored   EventType = "item.errored"
	EventForgotten EventType = "item.forgotten"
	EventOrphan    EventType = "photo_eye.orphan"
)

// Event 生命週期事件，發佈給觀察者（儀表板、日誌、Kafka）
type Event struct {
	ID                string     `json:"id"`
	Type              EventType  `json:"type"`
	Barcode           string     `json:"barcode,omitempty"`
	PositionID        int        `json:"position_id,omitempty"`
	PusherID          int        `json:"pusher_id,omitempty"`
	Label             string     `json:"label,omitempty"`
	TriggerDistance   float64    `json:"trigger_distance,omitempty"`
	EstimatedPosition float64    `json:"estimated_position,omitempty"`
	Status            ItemStatus `json:"status,omitempty"`
	Kind              ErrorKind  `json:"error_kind,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	Time              time.Time  `json:"time"`
}

// CacheEntry 路由快取項目
type CacheEntry struct {
	Routing   Routing   `json:"routing"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CacheSnapshot 路由快取快照，用於重啟時暖機
type CacheSnapshot struct {
	Entries   map[string]CacheEntry `json:"entries"`
	SchemaVer int                   `json:"schema_ver"`
}
