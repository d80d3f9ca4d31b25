// ============================================================================
// Sortline PLC 傳輸層 - Modbus TCP
// ============================================================================
//
// Package: internal/plc
// 文件: plc.go
// 功能: 推桿命令寫入、皮帶速度讀取、推桿距離下載
//
// 暫存器配置:
//   - 0x0064 + (bucket-101)      ← 推桿編號（bucket 範圍 101..150）
//   - 0x0013                     ← bucket（寫入後 PLC 才會讀取上一個暫存器）
//   - 0x7000 + 2(n-1) + 1        ← 推桿 n 的觸發距離（float32，兩個大端暫存器）
//   - speed_register             ← 皮帶速度（float32 輸入暫存器，可選）
//
// 並發安全:
//   - 單一 TCP 連線，所有 Modbus 交易由 mu 序列化
//   - 連線遺失時下一次交易重新連線一次
//
// ============================================================================

package plc

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidBucket bucket 不在 101..150
	ErrInvalidBucket = eris.New("bucket out of range")
	// ErrUnknownPusher 推桿不在設定表中
	ErrUnknownPusher = eris.New("pusher not configured")
	// ErrNotConnected 無法建立 PLC 連線
	ErrNotConnected = eris.New("plc not connected")
	// ErrSpeedDisabled 未設定速度暫存器
	ErrSpeedDisabled = eris.New("belt speed register not configured")
)

// Register layout.
const (
	BucketMin  = 101
	BucketMax  = 150
	MaxPushers = 8 // 距離暫存器只保留 1..8 號推桿

	bucketBase        uint16 = 0x0064
	bucketRefRegister uint16 = 0x0013
	distanceBase      uint16 = 0x7000
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Dialer 建立 Modbus 連線（測試時替換為假的 Client）
type Dialer func() (modbus.Client, io.Closer, error)

// Config PLC 配置
type Config struct {
	Address          string        // host:port
	UnitID           byte          // Modbus slave id
	Timeout          time.Duration // 單次交易逾時
	PhotoEyeCoil     uint16        // 光電訊號線圈位址
	PositionRegister uint16        // 光電觸發時的 bucket 輸入暫存器
	PollInterval     time.Duration // 光電輪詢間隔
	SpeedRegister    uint16        // 皮帶速度輸入暫存器，0 表示停用

	Dial   Dialer // 可選：預設為 Modbus TCP
	Logger *zap.Logger
}

// PLC Modbus TCP 連線與暫存器操作
type PLC struct {
	config  Config
	pushers types.PusherTable
	log     *zap.Logger

	mu     sync.Mutex
	client modbus.Client
	closer io.Closer
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 PLC，不立即連線
func New(config Config, pushers types.PusherTable) *PLC {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.UnitID == 0 {
		config.UnitID = 1
	}
	if config.PhotoEyeCoil == 0 {
		config.PhotoEyeCoil = 1
	}
	if config.PositionRegister == 0 {
		config.PositionRegister = 0x0015
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	p := &PLC{
		config:  config,
		pushers: pushers,
		log:     config.Logger.Named("plc"),
	}
	if p.config.Dial == nil {
		p.config.Dial = p.dialTCP
	}
	return p
}

func (p *PLC) dialTCP() (modbus.Client, io.Closer, error) {
	handler := modbus.NewTCPClientHandler(p.config.Address)
	handler.Timeout = p.config.Timeout
	handler.SlaveId = p.config.UnitID
	if err := handler.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(handler), handler, nil
}

// Connect 建立連線（已連線時為 no-op）
func (p *PLC) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked()
}

func (p *PLC) connectLocked() error {
	if p.client != nil {
		return nil
	}
	client, closer, err := p.config.Dial()
	if err != nil {
		return eris.Wrapf(ErrNotConnected, "dial %s: %v", p.config.Address, err)
	}
	p.client = client
	p.closer = closer
	p.log.Info("plc connected", zap.String("address", p.config.Address))
	return nil
}

// resetLocked 丟棄目前連線，下一次交易會重新連線
func (p *PLC) resetLocked() {
	if p.closer != nil {
		if err := p.closer.Close(); err != nil {
			p.log.Debug("closing plc connection", zap.Error(err))
		}
	}
	p.client = nil
	p.closer = nil
}

// Close 關閉連線
func (p *PLC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

// Connected 是否持有連線
func (p *PLC) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client != nil
}

// transact 在鎖內執行一次 Modbus 交易；失敗時丟棄連線
func (p *PLC) transact(ctx context.Context, fn func(modbus.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(); err != nil {
		return err
	}
	if err := fn(p.client); err != nil {
		p.resetLocked()
		return err
	}
	return nil
}

// Write 送出推桿命令
//
// 參數：
//   - positionID: bucket（101..150）
//   - pusherID: 推桿編號，必須存在於設定表
//
// 錯誤處理：
//   - ErrInvalidBucket / ErrUnknownPusher: 參數不合法，不觸碰 PLC
//   - 其他: 連線或 Modbus 例外，連線會被重置
func (p *PLC) Write(ctx context.Context, positionID, pusherID int) error {
	if positionID < BucketMin || positionID > BucketMax {
		return eris.Wrapf(ErrInvalidBucket, "bucket %d", positionID)
	}
	if _, ok := p.pushers.ByID(pusherID); !ok {
		return eris.Wrapf(ErrUnknownPusher, "pusher %d", pusherID)
	}

	register := BucketRegister(positionID)
	err := p.transact(ctx, func(c modbus.Client) error {
		if _, err := c.WriteSingleRegister(register, uint16(pusherID)); err != nil {
			return eris.Wrapf(err, "write pusher register 0x%04X", register)
		}
		if _, err := c.WriteSingleRegister(bucketRefRegister, uint16(positionID)); err != nil {
			return eris.Wrapf(err, "write bucket register 0x%04X", bucketRefRegister)
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.log.Debug("bucket written",
		zap.Int("position_id", positionID),
		zap.Int("pusher", pusherID),
		zap.Uint16("register", register))
	return nil
}

// Read 讀取皮帶速度（單位/秒），實作 controller.SpeedSource
func (p *PLC) Read(ctx context.Context) (float64, error) {
	if p.config.SpeedRegister == 0 {
		return 0, ErrSpeedDisabled
	}

	var speed float64
	err := p.transact(ctx, func(c modbus.Client) error {
		raw, err := c.ReadInputRegisters(p.config.SpeedRegister, 2)
		if err != nil {
			return eris.Wrap(err, "read speed register")
		}
		if len(raw) < 4 {
			return eris.Errorf("short speed read: %d bytes", len(raw))
		}
		speed = float64(decodeFloat32(raw))
		return nil
	})
	return speed, err
}

// WritePusherDistances 將推桿觸發距離下載到 PLC
//
// 僅寫入編號 1..8 的推桿；單一推桿失敗不影響其他推桿，回傳第一個錯誤
func (p *PLC) WritePusherDistances(ctx context.Context, pushers types.PusherTable) error {
	var first error
	for _, pusher := range pushers {
		if pusher.ID < 1 || pusher.ID > MaxPushers {
			p.log.Warn("skipping pusher outside register map", zap.Int("pusher", pusher.ID))
			continue
		}
		address := DistanceRegister(pusher.ID)
		err := p.transact(ctx, func(c modbus.Client) error {
			_, err := c.WriteMultipleRegisters(address, 2, encodeFloat32(float32(pusher.Distance)))
			return err
		})
		if err != nil {
			p.log.Error("failed to write pusher distance",
				zap.Int("pusher", pusher.ID),
				zap.Uint16("register", address),
				zap.Error(err))
			if first == nil {
				first = eris.Wrapf(err, "pusher %d", pusher.ID)
			}
			continue
		}
		p.log.Info("pusher distance written",
			zap.Int("pusher", pusher.ID),
			zap.Float64("distance", pusher.Distance),
			zap.Uint16("register", address))
	}
	return first
}

// ============================================================================
// 查詢方法
// ============================================================================

// BucketRegister 返回 bucket 對應的推桿暫存器位址
func BucketRegister(positionID int) uint16 {
	return bucketBase + uint16(positionID-BucketMin)
}

// DistanceRegister 返回推桿 n 觸發距離的起始暫存器位址
func DistanceRegister(pusherID int) uint16 {
	return distanceBase + uint16(2*(pusherID-1)) + 1
}

func encodeFloat32(v float32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	return buf
}

func decodeFloat32(b []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(b[:4]))
}
