package controller

// ============================================================================
// 職責說明：
// 1. Tick: 以 speed × (now - positionAssignedTime) 重新計算所有位置
// 2. 到期物件在鎖內原子移出，鎖外送出推桿命令，每筆最多一次
// 3. 推桿命令失敗時回報 Errored，不重試（物件可能已通過推桿）
// ============================================================================

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// Tick 執行一次位置推算（tick loop 與測試使用）
func (c *Controller) Tick() {
	start := time.Now()
	c.advance(c.config.Now())
	if c.config.Metrics != nil {
		c.config.Metrics.ObserveTick(time.Since(start))
	}
	c.updateStats()
}

// advance 推算位置並對到期物件送出推桿命令
func (c *Controller) advance(now time.Time) {
	due := c.items.Advance(now, c.BeltSpeed())
	for _, item := range due {
		c.actuate(item)
	}
}

// actuate 對單一到期物件送出推桿命令
//
// 物件在呼叫前已從在途集合移除，無論成功或失敗都不會再被觸發。
func (c *Controller) actuate(item types.Item) {
	log := c.log.With(
		zap.String("barcode", item.ID),
		zap.Int("position_id", item.PositionID),
		zap.Int("pusher", item.Routing.PusherID))

	ctx, cancel := context.WithTimeout(context.Background(), c.config.ActuationTimeout)
	defer cancel()

	err := c.config.Actuator.Write(ctx, item.PositionID, item.Routing.PusherID)
	if c.config.Metrics != nil {
		c.config.Metrics.RecordActuation(err == nil)
	}

	if err != nil {
		item.Status = types.StatusErrored
		item.Kind = types.KindActuationFailure
		item.Reason = err.Error()
		if c.config.Metrics != nil {
			c.config.Metrics.RecordErrored(string(types.KindActuationFailure))
		}
		log.Error("actuation failed", zap.Error(err))
		c.publish(itemEvent(types.EventErrored, item))
		return
	}

	log.Info("item actuated",
		zap.String("label", item.Routing.Label),
		zap.Float64("estimated_position", item.EstimatedPosition))
	c.publish(itemEvent(types.EventActuated, item))
}
