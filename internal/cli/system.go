package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/sortline/internal/api"
	"github.com/ChuLiYu/sortline/internal/config"
	"github.com/ChuLiYu/sortline/internal/controller"
	"github.com/ChuLiYu/sortline/internal/metrics"
	"github.com/ChuLiYu/sortline/internal/plc"
	"github.com/ChuLiYu/sortline/internal/publisher"
	"github.com/ChuLiYu/sortline/internal/resolver"
	"github.com/ChuLiYu/sortline/internal/server"
	"github.com/ChuLiYu/sortline/internal/signal"
	"github.com/ChuLiYu/sortline/internal/snapshot"
	"github.com/ChuLiYu/sortline/internal/storage/journal"
	"github.com/ChuLiYu/sortline/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// System 一條分揀線的完整執行期組件
//
// 組件關係:
//
//	scanner ──OnScan──▶ Controller ◀──OnPhotoEye── PLC monitor
//	                       │  │
//	          Resolver ◀───┘  └──Write──▶ PLC（或 dry-run actuator）
//	                       │
//	                      Bus ──▶ journal recorder / kafka publisher / gRPC Watch
type System struct {
	cfg     *config.Config
	pushers types.PusherTable
	log     *zap.Logger

	Controller *controller.Controller
	Resolver   *resolver.Resolver
	Metrics    *metrics.Collector
	PLC        *plc.PLC // nil 表示 dry-run：推桿命令只寫日誌

	registry  *prometheus.Registry
	journal   *journal.Journal
	publisher *publisher.Publisher
	stdin     io.Reader

	journalCh <-chan types.Event
	kafkaCh   <-chan types.Event
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewSystem 依設定組裝所有組件（尚未啟動任何 goroutine）
//
// 參數：
//   - cfg: 已驗證的設定
//   - pushers: 推桿站設定表
//   - logger: 根 logger，nil 時不輸出
//
// 錯誤處理：
//   - 日誌檔開啟失敗或 Kafka 設定不完整：返回錯誤，已開啟的資源會被關閉
func NewSystem(cfg *config.Config, pushers types.PusherTable, logger *zap.Logger) (*System, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &System{
		cfg:      cfg,
		pushers:  pushers,
		log:      logger,
		registry: prometheus.NewRegistry(),
		stdin:    os.Stdin,
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.Metrics = metrics.NewCollector(s.registry)
	s.Resolver = newResolver(cfg, pushers, logger, s.Metrics)

	var actuator controller.Actuator = dryRunActuator(logger)
	var speed controller.SpeedSource
	if cfg.PLC.Address != "" {
		s.PLC = newPLC(cfg, pushers, logger)
		actuator = s.PLC
		if cfg.PLC.SpeedRegister != 0 {
			speed = s.PLC
		}
	} else {
		logger.Warn("plc.address not set, pusher commands will only be logged")
	}

	var snapshots *snapshot.Manager
	if cfg.Snapshot.Path != "" {
		snapshots = snapshot.NewManager(cfg.Snapshot.Path)
	}

	ctrl, err := controller.NewController(controller.Config{
		Resolver:          s.Resolver,
		Actuator:          actuator,
		Speed:             speed,
		BeltSpeed:         cfg.Conveyor.BeltSpeed,
		TickInterval:      cfg.Conveyor.TickInterval,
		SpeedPollInterval: cfg.Conveyor.SpeedPollInterval,
		ActuationTimeout:  cfg.Conveyor.ActuationTimeout,
		LookupWorkers:     cfg.Lookup.Workers,
		LookupTimeout:     s.Resolver.Budget(),
		Cache:             s.Resolver.Cache(),
		Snapshots:         snapshots,
		SnapshotInterval:  cfg.Snapshot.Interval,
		Metrics:           s.Metrics,
		Logger:            logger,
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to create controller")
	}
	s.Controller = ctrl

	if path := cfg.Journal.Path(); path != "" {
		j, err := journal.Open(path, journal.Options{
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: cfg.Journal.FlushInterval,
			Compress:      cfg.Journal.Compress,
		})
		if err != nil {
			return nil, eris.Wrap(err, "failed to open journal")
		}
		s.journal = j
		// 在 Start 之前訂閱，確保第一個事件也會被記錄
		s.journalCh, _ = ctrl.Subscribe("journal", 1024)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := publisher.New(publisher.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Source:  cfg.Kafka.Source,
		}, nil, logger)
		if err != nil {
			s.closeResources()
			return nil, eris.Wrap(err, "failed to create kafka publisher")
		}
		s.publisher = pub
		s.kafkaCh, _ = ctrl.Subscribe("kafka", 1024)
	}

	return s, nil
}

// Run 啟動控制器與所有 I/O 循環，直到 ctx 結束或任一服務失敗
//
// 關閉順序:
//  1. ctx 結束 → gRPC / HTTP / 光電監控 / 掃描器退出
//  2. Controller.Stop() → 保存快取快照並關閉事件匯流排
//  3. 匯流排關閉 → 日誌與 Kafka 訂閱者排空後退出
//  4. 關閉日誌檔、Kafka writer、PLC 連線
func (s *System) Run(ctx context.Context) error {
	defer s.closeResources()

	if err := s.Controller.Start(); err != nil {
		return eris.Wrap(err, "failed to start controller")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		s.Controller.Stop()
		return nil
	})

	grpcAddr := fmt.Sprintf(":%d", s.cfg.Server.GRPCPort)
	g.Go(func() error {
		gs := server.NewGRPCServer(server.NewServer(s.Controller, s.log))
		s.log.Info("gRPC server listening", zap.String("addr", grpcAddr))
		if err := server.Serve(gctx, gs, grpcAddr); err != nil {
			return eris.Wrap(err, "grpc server")
		}
		return nil
	})

	g.Go(func() error { return s.serveHTTP(gctx) })

	if s.PLC != nil {
		g.Go(func() error {
			return s.PLC.MonitorPhotoEye(gctx, s.onPhotoEye)
		})
	}

	s.startScanner(gctx, g)

	// 訂閱者以匯流排關閉為結束條件，而非 ctx，才能收到 Stop 前的最後事件
	if s.journal != nil {
		rec := journal.NewRecorder(s.journal, s.cfg.Journal.FlushInterval, s.log)
		g.Go(func() error { return rec.Run(context.Background(), s.journalCh) })
	}
	if s.publisher != nil {
		g.Go(func() error { return s.publisher.Run(context.Background(), s.kafkaCh) })
	}

	s.log.Info("sortline started",
		zap.Int("pushers", len(s.pushers)),
		zap.Bool("plc", s.PLC != nil),
		zap.String("scanner", s.cfg.Scanner.Mode))

	return g.Wait()
}

func (s *System) serveHTTP(ctx context.Context) error {
	opts := api.Options{
		Pushers:        s.pushers,
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		Logger:         s.log,
	}
	if s.cfg.Metrics.Enabled {
		opts.Metrics = s.Metrics.Handler()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		Handler:           api.NewRouter(s.Controller, opts),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("HTTP server listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "http server")
	}
	return nil
}

func (s *System) startScanner(ctx context.Context, g *errgroup.Group) {
	reader := signal.NewLineReader(signal.NewDebouncer(s.cfg.Scanner.Debounce, time.Now), s.log)

	switch s.cfg.Scanner.Mode {
	case config.ScannerSerial:
		src := signal.NewSerialSource(signal.SerialConfig{
			Port:      s.cfg.Scanner.Port,
			BaudRate:  s.cfg.Scanner.Baud,
			Reconnect: 2 * time.Second,
		}, nil, reader, s.log)
		g.Go(func() error { return src.Run(ctx, s.onScan) })
	case config.ScannerStdin:
		g.Go(func() error { return reader.Run(ctx, s.stdin, s.onScan) })
	case config.ScannerNone, "":
	default:
		s.log.Warn("unknown scanner mode, scanner disabled", zap.String("mode", s.cfg.Scanner.Mode))
	}
}

func (s *System) onScan(barcode string) {
	if err := s.Controller.OnScan(barcode); err != nil {
		s.log.Warn("scan rejected", zap.String("barcode", barcode), zap.Error(err))
	}
}

func (s *System) onPhotoEye(positionID int) {
	if err := s.Controller.OnPhotoEye(positionID); err != nil {
		s.log.Warn("photo-eye pulse rejected", zap.Int("position_id", positionID), zap.Error(err))
	}
}

func (s *System) closeResources() {
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.log.Error("failed to close journal", zap.Error(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.log.Error("failed to close kafka writer", zap.Error(err))
		}
	}
	if s.PLC != nil {
		_ = s.PLC.Close()
	}
}

// ============================================================================
// 組件建構
// ============================================================================

func newResolver(cfg *config.Config, pushers types.PusherTable, logger *zap.Logger, m resolver.Metrics) *resolver.Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	var transport resolver.Transport
	if cfg.Lookup.LoginURL != "" && cfg.Lookup.DataURLTemplate != "" {
		transport = resolver.NewHTTPTransport(cfg.Lookup.LoginURL, cfg.Lookup.DataURLTemplate, resolver.Credentials{
			Email:    cfg.Lookup.Email,
			Password: cfg.Lookup.Password,
			TeamID:   cfg.Lookup.TeamID,
		}, resolver.WithTimeout(cfg.Lookup.Timeout))
	} else {
		logger.Warn("lookup service not configured, every scan will fail routing")
	}

	return resolver.New(resolver.Config{
		Transport:       transport,
		Pushers:         pushers,
		DefaultLabel:    cfg.Lookup.DefaultLabel,
		CacheTTL:        cfg.Lookup.CacheTTL,
		Timeout:         cfg.Lookup.Timeout,
		MaxRetries:      cfg.Lookup.MaxRetries,
		RetryBackoff:    cfg.Lookup.RetryBackoff,
		RateLimit:       cfg.Lookup.RateLimit,
		Burst:           cfg.Lookup.Burst,
		BreakerFailures: cfg.Lookup.BreakerFailures,
		BreakerTimeout:  cfg.Lookup.BreakerTimeout,
		Logger:          logger,
		Metrics:         m,
	})
}

func newPLC(cfg *config.Config, pushers types.PusherTable, logger *zap.Logger) *plc.PLC {
	return plc.New(plc.Config{
		Address:          cfg.PLC.Address,
		UnitID:           cfg.PLC.UnitID,
		Timeout:          cfg.PLC.Timeout,
		PhotoEyeCoil:     cfg.PLC.PhotoEyeCoil,
		PositionRegister: cfg.PLC.PositionRegister,
		PollInterval:     cfg.PLC.PollInterval,
		SpeedRegister:    cfg.PLC.SpeedRegister,
		Logger:           logger,
	}, pushers)
}

// dryRunActuator 未連接 PLC 時的推桿命令：只記錄日誌
func dryRunActuator(logger *zap.Logger) controller.ActuatorFunc {
	log := logger.Named("dry-run")
	return func(_ context.Context, positionID, pusherID int) error {
		log.Info("pusher command",
			zap.Int("position_id", positionID),
			zap.Int("pusher", pusherID))
		return nil
	}
}
