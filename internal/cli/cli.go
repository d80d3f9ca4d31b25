// ============================================================================
// Sortline CLI - 命令列介面
// ============================================================================
//
// Package: internal/cli
// 文件: cli.go
// 功能: 以 Cobra 提供分揀線的啟動、查詢與維護命令
//
// 命令結構:
//   sortline                       # 根命令
//   ├── run                        # 啟動整條分揀線（控制器 + gRPC + HTTP + PLC + 掃描器）
//   ├── status                     # 設定摘要 + 執行中實例的狀態
//   ├── items                      # 列出在途物件
//   ├── forget <barcode>           # 手動移除物件
//   ├── watch                      # 即時顯示生命週期事件
//   ├── simulate                   # 虛擬訊號
//   │   ├── scan <barcode>
//   │   ├── photo-eye <positionId>
//   │   └── flow                   # 連續掃描 + 光電
//   ├── lookup <barcode>           # 單次路由查詢
//   ├── history                    # 重播生命週期日誌
//   └── push-settings              # 下載推桿距離到 PLC
//
// 全域參數:
//   --config, -c   設定檔（預設搜尋 configs/sortline.yaml、./sortline.yaml）
//   --addr         執行中實例的 gRPC 位址（simulate / items / forget / watch）
//   --http         執行中實例的 HTTP 位址（status）
//
// 信號處理:
//   run 命令捕捉 SIGINT / SIGTERM 後依序關閉所有組件，
//   並保存最後一次路由快取快照。
//
// ============================================================================

package cli

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/sortline/internal/config"
	"github.com/ChuLiYu/sortline/pkg/types"
)

// Version is reported by --version.
const Version = "1.0.0"

var (
	configFile string
	grpcAddr   string
	httpAddr   string
)

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sortline",
		Short: "Sortline: conveyor item tracking and pusher actuation",
		Long: `Sortline tracks items on a sortation conveyor:
- pairs barcode scans with photo-eye pulses (FIFO)
- resolves a routing decision per barcode from the lookup service
- estimates each item's position from belt speed and fires its pusher
- streams lifecycle events to a journal, Kafka and gRPC watchers`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default configs/sortline.yaml)")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "addr", "localhost:50051", "gRPC address of a running sortline")
	rootCmd.PersistentFlags().StringVar(&httpAddr, "http", "http://localhost:8080", "HTTP address of a running sortline")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildItemsCommand())
	rootCmd.AddCommand(buildForgetCommand())
	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildLookupCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildPushSettingsCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var scannerMode string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sorter",
		Long:  "Start the controller, lookup workers, PLC monitor, scanner, gRPC and HTTP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, pushers, err := loadSettings(configFile)
			if err != nil {
				return err
			}
			if scannerMode != "" {
				cfg.Scanner.Mode = scannerMode
			}
			if dryRun {
				cfg.PLC.Address = ""
			}
			if err := cfg.Validate(pushers); err != nil {
				return err
			}

			logger, err := config.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sys, err := NewSystem(cfg, pushers, logger)
			if err != nil {
				return err
			}

			logger.Info("starting sortline",
				zap.String("config", configFile),
				zap.Int("grpc_port", cfg.Server.GRPCPort),
				zap.Int("http_port", cfg.Server.HTTPPort))
			if err := sys.Run(ctx); err != nil {
				return err
			}
			logger.Info("sortline stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&scannerMode, "scanner", "", "override scanner.mode: serial, stdin or none")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log pusher commands instead of writing them to the PLC")

	return cmd
}

// loadSettings 載入設定與推桿站設定表（不驗證）
func loadSettings(path string) (*config.Config, types.PusherTable, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, eris.Wrap(err, "failed to load config")
	}
	pushers, err := config.LoadPushers(cfg.PushersFile)
	if err != nil {
		return nil, nil, eris.Wrap(err, "failed to load pusher table")
	}
	return cfg, pushers, nil
}
