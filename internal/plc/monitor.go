package plc

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// errorBackoff is how long the monitor waits after a failed poll.
const errorBackoff = 100 * time.Millisecond

// PhotoEyeHandler receives the bucket read on each beam break.
type PhotoEyeHandler func(positionID int)

// MonitorPhotoEye polls the photo-eye coil until ctx is done. On every 0→1
// edge it reads the position register and passes the value to handler.
// Poll failures are logged and retried; the connection is re-established by
// the next transaction.
func (p *PLC) MonitorPhotoEye(ctx context.Context, handler PhotoEyeHandler) error {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.log.Info("photo-eye monitor started",
		zap.Uint16("coil", p.config.PhotoEyeCoil),
		zap.Uint16("position_register", p.config.PositionRegister),
		zap.Duration("interval", p.config.PollInterval))

	last := false
	for {
		select {
		case <-ctx.Done():
			p.log.Info("photo-eye monitor stopped")
			return nil
		case <-ticker.C:
		}

		blocked, err := p.readCoil(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// 保留上次狀態：遮斷中的光束在恢復後不可再算一次上升緣
			p.log.Warn("photo-eye poll failed", zap.Error(err))
			sleepCtx(ctx, errorBackoff)
			continue
		}

		if blocked && !last {
			positionID, err := p.readPosition(ctx)
			if err != nil {
				// The pulse still counts: a zero bucket keeps FIFO pairing aligned.
				p.log.Error("failed to read position id", zap.Error(err))
			}
			handler(positionID)
		}
		last = blocked
	}
}

func (p *PLC) readCoil(ctx context.Context) (bool, error) {
	var blocked bool
	err := p.transact(ctx, func(c modbus.Client) error {
		raw, err := c.ReadCoils(p.config.PhotoEyeCoil, 1)
		if err != nil {
			return eris.Wrap(err, "read photo-eye coil")
		}
		blocked = len(raw) > 0 && raw[0]&0x01 == 1
		return nil
	})
	return blocked, err
}

func (p *PLC) readPosition(ctx context.Context) (int, error) {
	var position int
	err := p.transact(ctx, func(c modbus.Client) error {
		raw, err := c.ReadInputRegisters(p.config.PositionRegister, 1)
		if err != nil {
			return eris.Wrap(err, "read position register")
		}
		if len(raw) < 2 {
			return eris.Errorf("short position read: %d bytes", len(raw))
		}
		position = int(binary.BigEndian.Uint16(raw))
		return nil
	})
	return position, err
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
