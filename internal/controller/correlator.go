package controller

// ============================================================================
// 職責說明：
// 1. OnScan: 建立 Pending 紀錄、加入未配對佇列、非同步送出路由查詢
// 2. OnPhotoEye: 以 FIFO 將光電訊號配給最早的未配對掃描
// 3. handleResult: 附加路由或將紀錄標記為錯誤
//
// FIFO 配對假設掃描順序等於物件通過光電的順序，這是刻意的簡化。
// ============================================================================

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/ChuLiYu/sortline/internal/itemmanager"
	"github.com/ChuLiYu/sortline/internal/resolver"
	"github.com/ChuLiYu/sortline/internal/worker"
	"github.com/ChuLiYu/sortline/pkg/types"
)

// Photo-eye correlation results reported to Metrics.
const (
	photoEyeMatched = "matched"
	photoEyeOrphan  = "orphan"
	photoEyeRetired = "retired"
)

// OnScan 處理條碼掃描
//
// 條碼已有未結束的紀錄時為 no-op。查詢以非同步方式送出，呼叫者不等待網路。
//
// 錯誤處理：
//   - ErrEmptyBarcode: 條碼為空
//   - ErrStopped: 控制器已停止
func (c *Controller) OnScan(barcode string) error {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return ErrEmptyBarcode
	}
	if c.isStopped() {
		return ErrStopped
	}

	item, err := c.items.Create(barcode, c.config.Now())
	if errors.Is(err, itemmanager.ErrDuplicateItem) {
		c.log.Debug("duplicate scan ignored", zap.String("barcode", barcode))
		return nil
	}
	if err != nil {
		return err
	}

	if c.config.Metrics != nil {
		c.config.Metrics.RecordScan()
	}
	c.log.Info("item scanned", zap.String("barcode", barcode))
	c.publish(itemEvent(types.EventCreated, item))

	c.submitLookup(barcode)
	c.updateStats()
	return nil
}

// submitLookup 送出查詢；緩衝已滿時在背景等待空位
func (c *Controller) submitLookup(barcode string) {
	task := worker.Task{Barcode: barcode, Submitted: c.config.Now()}

	err := c.pool.Submit(task)
	if errors.Is(err, worker.ErrPoolFull) {
		c.log.Warn("lookup queue full, waiting for a free slot", zap.String("barcode", barcode))
		// SubmitWait returns ErrPoolClosed once Stop runs.
		go func() {
			if err := c.pool.SubmitWait(context.Background(), task); err != nil {
				c.log.Debug("lookup not submitted", zap.String("barcode", barcode), zap.Error(err))
			}
		}()
		return
	}
	if err != nil && !errors.Is(err, worker.ErrPoolClosed) {
		c.log.Error("failed to submit lookup", zap.String("barcode", barcode), zap.Error(err))
	}
}

// OnPhotoEye 處理光電訊號
//
// 佇列為空時記錄孤兒訊號並丟棄，不建立紀錄。
// 配對成功後立即推算一次，觸發距離為 0 的物件不必等下一次 tick。
func (c *Controller) OnPhotoEye(positionID int) error {
	if c.isStopped() {
		return ErrStopped
	}
	now := c.config.Now()

	item, err := c.items.MatchNext(positionID, now)
	switch {
	case errors.Is(err, itemmanager.ErrQueueEmpty):
		c.recordPhotoEye(photoEyeOrphan)
		c.log.Warn("orphan photo-eye pulse dropped", zap.Int("position_id", positionID))
		c.publish(types.Event{
			Type:       types.EventOrphan,
			PositionID: positionID,
			Kind:       types.KindCorrelationOrphan,
			Reason:     "photo-eye pulse with no unmatched scan",
			Time:       now,
		})
		return nil

	case errors.Is(err, itemmanager.ErrSlotRetired):
		c.recordPhotoEye(photoEyeRetired)
		c.log.Info("photo-eye pulse consumed by errored item",
			zap.Int("position_id", positionID),
			zap.String("barcode", item.ID))
		return nil

	case err != nil:
		return err
	}

	c.recordPhotoEye(photoEyeMatched)
	fields := []zap.Field{
		zap.String("barcode", item.ID),
		zap.Int("position_id", positionID),
	}
	if item.Routing != nil {
		fields = append(fields, zap.Int("pusher", item.Routing.PusherID))
	}
	c.log.Info("item matched", fields...)
	c.publish(itemEvent(types.EventMatched, item))

	if item.Status == types.StatusRouted {
		c.advance(now)
	}
	c.updateStats()
	return nil
}

func (c *Controller) recordPhotoEye(result string) {
	if c.config.Metrics != nil {
		c.config.Metrics.RecordPhotoEye(result)
	}
}

// handleResult 處理查詢結果
//
// 紀錄已不存在（已推出、已錯誤或被操作員移除）時，結果直接丟棄。
func (c *Controller) handleResult(result worker.Result) {
	log := c.log.With(zap.String("barcode", result.Barcode))

	if result.Err != nil {
		kind := resolver.KindOf(result.Err)
		item, err := c.items.Fail(result.Barcode, kind, result.Err.Error())
		if errors.Is(err, itemmanager.ErrItemNotFound) {
			log.Debug("discarding lookup failure for removed item", zap.Error(result.Err))
			return
		}
		if err != nil {
			log.Error("failed to mark item errored", zap.Error(err))
			return
		}

		if c.config.Metrics != nil {
			c.config.Metrics.RecordErrored(string(kind))
		}
		log.Warn("item errored",
			zap.String("kind", string(kind)),
			zap.Int("position_id", item.PositionID),
			zap.Error(result.Err))
		c.publish(itemEvent(types.EventErrored, item))
		c.updateStats()
		return
	}

	item, err := c.items.AttachRouting(result.Barcode, result.Routing)
	switch {
	case errors.Is(err, itemmanager.ErrItemNotFound):
		log.Debug("discarding late routing for removed item",
			zap.Int("pusher", result.Routing.PusherID))
		return
	case errors.Is(err, itemmanager.ErrAlreadyRouted):
		log.Debug("routing already attached")
		return
	case err != nil:
		log.Error("failed to attach routing", zap.Error(err))
		return
	}

	log.Info("item routed",
		zap.Int("pusher", result.Routing.PusherID),
		zap.String("label", result.Routing.Label),
		zap.Float64("trigger_distance", result.Routing.TriggerDistance),
		zap.Duration("lookup", result.Duration))
	c.publish(itemEvent(types.EventRouted, item))

	if item.Status == types.StatusRouted {
		c.advance(c.config.Now())
	}
	c.updateStats()
}
