// ============================================================================
// Sortline 控制器 - 物件追蹤與推桿時序引擎
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 協調掃描關聯、路由查詢、位置推算與推桿命令
//
// 架構設計:
//   - ItemManager: 在途物件集合 + 未配對掃描佇列（唯一的互斥區）
//   - Worker Pool: 非同步路由查詢，掃描路徑不等待網路
//   - Actuator: 推桿命令傳輸（PLC）
//   - SpeedSource: 皮帶速度來源（可選）
//   - Bus: 生命週期事件（儀表板、日誌、Kafka、gRPC Watch）
//
// 核心循環 (最多 4 個並發 Goroutine):
//   1. Result Loop - 接收查詢結果，附加路由或標記錯誤
//   2. Tick Loop - 定期推算位置，到期物件送出推桿命令
//   3. Speed Loop - 定期讀取皮帶速度（設定 SpeedSource 時）
//   4. Snapshot Loop - 定期保存路由快取（設定 Snapshots 時）
//
// 並發安全:
//   - 所有物件狀態變更經由 ItemManager 的單一鎖
//   - 查詢與推桿 I/O 一律在鎖外進行
//   - stopCh 通知循環結束，loopWg 確保 goroutine 全部退出
//
// ============================================================================

package controller

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ChuLiYu/sortline/internal/events"
	"github.com/ChuLiYu/sortline/internal/itemmanager"
	"github.com/ChuLiYu/sortline/internal/resolver"
	"github.com/ChuLiYu/sortline/internal/snapshot"
	"github.com/ChuLiYu/sortline/internal/worker"
	"github.com/ChuLiYu/sortline/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStopped 控制器已停止
	ErrStopped = eris.New("controller is stopped")
	// ErrNotStarted 控制器尚未啟動
	ErrNotStarted = eris.New("controller not started")
	// ErrEmptyBarcode 空條碼
	ErrEmptyBarcode = eris.New("barcode is empty")
	// ErrNoActuator 未設定推桿傳輸
	ErrNoActuator = eris.New("actuator is required")
	// ErrNoResolver 未設定路由查詢
	ErrNoResolver = eris.New("resolver is required")
)

// ============================================================================
// 外部介面
// ============================================================================

// Actuator 推桿命令傳輸
type Actuator interface {
	Write(ctx context.Context, positionID, pusherID int) error
}

// ActuatorFunc 將函式轉為 Actuator
type ActuatorFunc func(ctx context.Context, positionID, pusherID int) error

// Write 呼叫 f
func (f ActuatorFunc) Write(ctx context.Context, positionID, pusherID int) error {
	return f(ctx, positionID, pusherID)
}

// SpeedSource 皮帶速度來源（單位/秒）
type SpeedSource interface {
	Read(ctx context.Context) (float64, error)
}

// Metrics 控制器回報的指標（由 metrics.Collector 實作）
type Metrics interface {
	RecordScan()
	RecordPhotoEye(result string)
	RecordActuation(ok bool)
	RecordErrored(kind string)
	ObserveTick(d time.Duration)
	UpdateItemStats(pending, matched, routed, queueDepth int)
	SetBeltSpeed(speed float64)
	SetEventsDropped(n int64)
}

type alerter interface {
	Alerts() []string
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Resolver worker.Resolver // 路由查詢（通常為 *resolver.Resolver）
	Actuator Actuator        // 推桿命令傳輸
	Speed    SpeedSource     // 可選：皮帶速度來源

	BeltSpeed         float64       // 初始皮帶速度（單位/秒）
	TickInterval      time.Duration // 位置推算間隔
	SpeedPollInterval time.Duration // 速度讀取間隔
	ActuationTimeout  time.Duration // 單次推桿命令逾時

	LookupWorkers int           // 查詢 Worker 數量
	LookupTimeout time.Duration // 單次查詢逾時
	QueueSize     int           // 查詢任務緩衝大小

	Cache            *resolver.Cache   // 可選：路由快取（快照用）
	Snapshots        *snapshot.Manager // 可選：快取快照檔
	SnapshotInterval time.Duration

	Bus     *events.Bus // 可選：事件匯流排，nil 時自動建立
	Metrics Metrics     // 可選
	Logger  *zap.Logger
	Now     func() time.Time // 可注入時鐘（測試用）
}

// budgeted is implemented by resolvers that bound their own retries.
type budgeted interface {
	Budget() time.Duration
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.SpeedPollInterval <= 0 {
		c.SpeedPollInterval = time.Second
	}
	if c.ActuationTimeout <= 0 {
		c.ActuationTimeout = 2 * time.Second
	}
	if c.LookupWorkers <= 0 {
		c.LookupWorkers = 16
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 30 * time.Second
	}
	// 查詢逾時不得短於解析器自身的重試預算，否則重試成功的物件仍會被標記錯誤
	if b, ok := c.Resolver.(budgeted); ok && c.LookupTimeout < b.Budget() {
		c.LookupTimeout = b.Budget()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Controller 核心控制器
type Controller struct {
	config Config
	log    *zap.Logger
	items  *itemmanager.ItemManager
	pool   *worker.Pool
	bus    *events.Bus

	speedBits atomic.Uint64 // math.Float64bits(皮帶速度)

	mu        sync.Mutex // 保護生命週期狀態
	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 錯誤處理：
//   - ErrNoResolver / ErrNoActuator: 缺少必要的協作者
func NewController(config Config) (*Controller, error) {
	if config.Resolver == nil {
		return nil, ErrNoResolver
	}
	if config.Actuator == nil {
		return nil, ErrNoActuator
	}
	if config.BeltSpeed < 0 {
		return nil, eris.Errorf("belt speed must not be negative, got %v", config.BeltSpeed)
	}
	config.applyDefaults()

	bus := config.Bus
	if bus == nil {
		bus = events.NewBus()
	}

	c := &Controller{
		config: config,
		log:    config.Logger.Named("controller"),
		items:  itemmanager.NewItemManager(),
		pool:   worker.NewPool(config.Resolver, config.QueueSize, config.LookupTimeout),
		bus:    bus,
		stopCh: make(chan struct{}),
	}
	c.storeSpeed(config.BeltSpeed)

	return c, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 載入路由快取快照（暖機）
//  2. 啟動查詢 Worker Pool
//  3. 啟動核心循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	c.startTime = c.config.Now()

	c.loadCache()

	if err := c.pool.Start(c.config.LookupWorkers); err != nil {
		return eris.Wrap(err, "failed to start lookup pool")
	}

	c.loopWg.Add(2)
	go c.resultLoop()
	go c.tickLoop()

	if c.config.Speed != nil {
		c.loopWg.Add(1)
		go c.speedLoop()
	}
	if c.config.Snapshots != nil && c.config.Cache != nil {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	c.started = true
	c.log.Info("controller started",
		zap.Int("lookup_workers", c.config.LookupWorkers),
		zap.Duration("lookup_timeout", c.config.LookupTimeout),
		zap.Duration("tick_interval", c.config.TickInterval),
		zap.Float64("belt_speed", c.BeltSpeed()))
	return nil
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) → tick / speed / snapshot 循環退出
//  2. pool.Stop()   → 取消進行中的查詢並關閉 resultCh，resultLoop 退出
//  3. loopWg.Wait() → 等待所有循環退出
//  4. 最後一次快取快照，關閉事件匯流排
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.log.Info("stopping controller")

	close(c.stopCh)
	c.pool.Stop()
	c.loopWg.Wait()

	if started {
		if err := c.saveCache(); err != nil {
			c.log.Error("failed to write final cache snapshot", zap.Error(err))
		}
	}
	c.bus.Close()

	c.log.Info("controller stopped")
}

// ============================================================================
// 核心循環
// ============================================================================

// resultLoop 處理查詢結果，直到 Pool 關閉
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for result := range c.pool.Results() {
		c.handleResult(result)
	}
	c.log.Debug("result loop stopped")
}

// tickLoop 定期推算位置
func (c *Controller) tickLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Debug("tick loop stopped")
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// speedLoop 定期讀取皮帶速度；讀取失敗時沿用上一次的值
func (c *Controller) speedLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SpeedPollInterval)
	defer ticker.Stop()

	c.pollSpeed()
	for {
		select {
		case <-c.stopCh:
			c.log.Debug("speed loop stopped")
			return
		case <-ticker.C:
			c.pollSpeed()
		}
	}
}

func (c *Controller) pollSpeed() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.SpeedPollInterval)
	defer cancel()

	speed, err := c.config.Speed.Read(ctx)
	if err != nil {
		c.log.Warn("belt speed unavailable, keeping last value",
			zap.Float64("belt_speed", c.BeltSpeed()),
			zap.Error(err))
		return
	}
	if speed < 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		c.log.Warn("ignoring invalid belt speed reading", zap.Float64("reading", speed))
		return
	}
	c.SetBeltSpeed(speed)
}

// snapshotLoop 定期保存路由快取
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Debug("snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.saveCache(); err != nil {
				c.log.Error("failed to write cache snapshot", zap.Error(err))
			}
		}
	}
}

func (c *Controller) loadCache() {
	if c.config.Snapshots == nil || c.config.Cache == nil {
		return
	}
	data, err := c.config.Snapshots.Load()
	if err != nil {
		c.log.Warn("ignoring unreadable cache snapshot",
			zap.String("path", c.config.Snapshots.GetPath()),
			zap.Error(err))
		return
	}
	kept := c.config.Cache.Restore(data.Entries)
	c.log.Info("routing cache restored",
		zap.Int("entries", len(data.Entries)),
		zap.Int("fresh", kept))
}

func (c *Controller) saveCache() error {
	if c.config.Snapshots == nil || c.config.Cache == nil {
		return nil
	}
	return c.config.Snapshots.Write(types.CacheSnapshot{Entries: c.config.Cache.Snapshot()})
}

// ============================================================================
// 查詢方法
// ============================================================================

// Snapshot 返回所有在途物件，位置以目前時間與速度重新計算
func (c *Controller) Snapshot() []types.Item {
	now := c.config.Now()
	speed := c.BeltSpeed()

	items := c.items.Snapshot()
	for i := range items {
		recomputePosition(&items[i], now, speed)
	}
	return items
}

// Get 取得單一在途物件（位置計算方式與 Snapshot 相同）
func (c *Controller) Get(barcode string) (types.Item, bool) {
	item, ok := c.items.Get(barcode)
	if ok {
		recomputePosition(&item, c.config.Now(), c.BeltSpeed())
	}
	return item, ok
}

func recomputePosition(item *types.Item, now time.Time, speed float64) {
	if item.PositionAssignedTime == nil {
		return
	}
	elapsed := now.Sub(*item.PositionAssignedTime).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	item.EstimatedPosition = speed * elapsed
}

// Forget 強制移除在途物件（操作員覆寫）
func (c *Controller) Forget(barcode string) (types.Item, error) {
	item, err := c.items.Remove(barcode)
	if err != nil {
		return types.Item{}, eris.Wrapf(err, "forget %s", barcode)
	}

	c.log.Info("item forgotten by operator",
		zap.String("barcode", barcode),
		zap.String("status", string(item.Status)))
	c.publish(itemEvent(types.EventForgotten, item))
	c.updateStats()
	return item, nil
}

// Subscribe 訂閱生命週期事件
func (c *Controller) Subscribe(name string, buffer int) (<-chan types.Event, func()) {
	return c.bus.Subscribe(name, buffer)
}

// Bus 返回事件匯流排
func (c *Controller) Bus() *events.Bus {
	return c.bus
}

// BeltSpeed 目前皮帶速度
func (c *Controller) BeltSpeed() float64 {
	return math.Float64frombits(c.speedBits.Load())
}

// SetBeltSpeed 更新皮帶速度；下一次 tick 以新速度重新計算所有位置
func (c *Controller) SetBeltSpeed(speed float64) {
	if speed < 0 {
		speed = 0
	}
	old := c.BeltSpeed()
	c.storeSpeed(speed)
	if old != speed {
		c.log.Debug("belt speed changed", zap.Float64("from", old), zap.Float64("to", speed))
	}
}

func (c *Controller) storeSpeed(speed float64) {
	c.speedBits.Store(math.Float64bits(speed))
	if c.config.Metrics != nil {
		c.config.Metrics.SetBeltSpeed(speed)
	}
}

// Alerts 系統層級告警（例如查詢傳輸不可用、斷路器開啟）
func (c *Controller) Alerts() []string {
	var alerts []string
	if a, ok := c.config.Resolver.(alerter); ok {
		alerts = append(alerts, a.Alerts()...)
	}
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		alerts = append(alerts, "controller stopped")
	}
	return alerts
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() map[string]interface{} {
	stats := c.items.Stats()

	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = c.config.Now().Sub(c.startTime)
	}
	c.mu.Unlock()

	return map[string]interface{}{
		"uptime":         uptime.String(),
		"belt_speed":     c.BeltSpeed(),
		"lookup_workers": c.config.LookupWorkers,
		"lookup_pending": c.pool.Pending(),
		"pending":        stats["pending"],
		"matched":        stats["matched"],
		"routed":         stats["routed"],
		"live":           stats["live"],
		"unmatched":      stats["unmatched"],
		"events_dropped": c.bus.Dropped(),
		"alerts":         c.Alerts(),
	}
}

func (c *Controller) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Controller) publish(ev types.Event) {
	if ev.Time.IsZero() {
		ev.Time = c.config.Now()
	}
	c.bus.Publish(ev)
}

func (c *Controller) updateStats() {
	if c.config.Metrics == nil {
		return
	}
	stats := c.items.Stats()
	c.config.Metrics.UpdateItemStats(stats["pending"], stats["matched"], stats["routed"], stats["unmatched"])
	c.config.Metrics.SetEventsDropped(c.bus.Dropped())
}

// itemEvent 由物件拷貝建立事件
func itemEvent(t types.EventType, item types.Item) types.Event {
	ev := types.Event{
		Type:              t,
		Barcode:           item.ID,
		PositionID:        item.PositionID,
		EstimatedPosition: item.EstimatedPosition,
		Status:            item.Status,
		Kind:              item.Kind,
		Reason:            item.Reason,
	}
	if item.Routing != nil {
		ev.PusherID = item.Routing.PusherID
		ev.Label = item.Routing.Label
		ev.TriggerDistance = item.Routing.TriggerDistance
	}
	return ev
}
