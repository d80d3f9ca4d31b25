// ============================================================================
// Sortline 設定載入
// ============================================================================
//
// Package: internal/config
// 功能: 以 viper 載入 YAML 設定檔與 SORTLINE_ 環境變數覆寫，
//       以 yaml.v3 解析推桿站設定表，並建立 zap logger
//
// 優先順序（高到低）:
//   1. 環境變數 SORTLINE_<SECTION>_<KEY>，例如 SORTLINE_LOOKUP_PASSWORD
//   2. 設定檔（--config 或 configs/sortline.yaml）
//   3. 內建預設值
//
// ============================================================================

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/sortline/pkg/types"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "SORTLINE"

// ErrInvalidConfig 設定值不合法
var ErrInvalidConfig = eris.New("invalid config")

// Scanner modes.
const (
	ScannerSerial = "serial"
	ScannerStdin  = "stdin"
	ScannerNone   = "none"
)

// Config holds the full sorter configuration.
type Config struct {
	Conveyor    ConveyorConfig `yaml:"conveyor" mapstructure:"conveyor"`
	Lookup      LookupConfig   `yaml:"lookup" mapstructure:"lookup"`
	PLC         PLCConfig      `yaml:"plc" mapstructure:"plc"`
	Scanner     ScannerConfig  `yaml:"scanner" mapstructure:"scanner"`
	Server      ServerConfig   `yaml:"server" mapstructure:"server"`
	Metrics     MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Journal     JournalConfig  `yaml:"journal" mapstructure:"journal"`
	Snapshot    SnapshotConfig `yaml:"snapshot" mapstructure:"snapshot"`
	Kafka       KafkaConfig    `yaml:"kafka" mapstructure:"kafka"`
	Log         LogConfig      `yaml:"log" mapstructure:"log"`
	PushersFile string         `yaml:"pushers_file" mapstructure:"pushers_file"`
}

// ConveyorConfig configures position tracking.
type ConveyorConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
	BeltSpeed         float64       `yaml:"belt_speed" mapstructure:"belt_speed"`
	SpeedPollInterval time.Duration `yaml:"speed_poll_interval" mapstructure:"speed_poll_interval"`
	ActuationTimeout  time.Duration `yaml:"actuation_timeout" mapstructure:"actuation_timeout"`
}

// LookupConfig configures the remote routing lookup.
type LookupConfig struct {
	LoginURL        string        `yaml:"login_url" mapstructure:"login_url"`
	DataURLTemplate string        `yaml:"data_url_template" mapstructure:"data_url_template"`
	TeamID          int           `yaml:"team_id" mapstructure:"team_id"`
	Email           string        `yaml:"email" mapstructure:"email"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	CacheTTL        time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	RateLimit       float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst           int           `yaml:"burst" mapstructure:"burst"`
	Workers         int           `yaml:"workers" mapstructure:"workers"`
	BreakerFailures uint32        `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" mapstructure:"breaker_timeout"`
	DefaultLabel    string        `yaml:"default_label" mapstructure:"default_label"`
}

// PLCConfig configures the Modbus TCP connection.
type PLCConfig struct {
	Address          string        `yaml:"address" mapstructure:"address"`
	UnitID           uint8         `yaml:"unit_id" mapstructure:"unit_id"`
	Timeout          time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PhotoEyeCoil     uint16        `yaml:"photo_eye_coil" mapstructure:"photo_eye_coil"`
	PositionRegister uint16        `yaml:"position_register" mapstructure:"position_register"`
	PollInterval     time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	SpeedRegister    uint16        `yaml:"speed_register" mapstructure:"speed_register"`
}

// ScannerConfig configures the barcode scanner source.
type ScannerConfig struct {
	Mode     string        `yaml:"mode" mapstructure:"mode"`
	Port     string        `yaml:"port" mapstructure:"port"`
	Baud     int           `yaml:"baud" mapstructure:"baud"`
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

// ServerConfig configures the gRPC and HTTP listeners.
type ServerConfig struct {
	GRPCPort       int      `yaml:"grpc_port" mapstructure:"grpc_port"`
	HTTPPort       int      `yaml:"http_port" mapstructure:"http_port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// JournalConfig configures the lifecycle journal. An empty dir disables it.
type JournalConfig struct {
	Dir           string        `yaml:"dir" mapstructure:"dir"`
	BufferSize    int           `yaml:"buffer_size" mapstructure:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	Compress      bool          `yaml:"compress" mapstructure:"compress"`
}

// SnapshotConfig configures the routing cache snapshot. An empty path disables it.
type SnapshotConfig struct {
	Path     string        `yaml:"path" mapstructure:"path"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// KafkaConfig configures the event publisher. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
	Source  string   `yaml:"source" mapstructure:"source"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Path 日誌檔完整路徑，Dir 為空時返回空字串
func (c JournalConfig) Path() string {
	if c.Dir == "" {
		return ""
	}
	return strings.TrimRight(c.Dir, "/") + "/events.log"
}

// Load reads configuration from path (or configs/sortline.yaml, ./sortline.yaml
// when path is empty), environment variables and defaults.
//
// 錯誤處理：
//   - 未指定路徑且找不到設定檔：使用預設值
//   - 指定路徑但檔案不存在或格式錯誤：返回錯誤
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sortline")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("conveyor.tick_interval", 500*time.Millisecond)
	v.SetDefault("conveyor.belt_speed", 20.0)
	v.SetDefault("conveyor.speed_poll_interval", time.Second)
	v.SetDefault("conveyor.actuation_timeout", 2*time.Second)

	v.SetDefault("lookup.login_url", "")
	v.SetDefault("lookup.data_url_template", "")
	v.SetDefault("lookup.team_id", 0)
	v.SetDefault("lookup.email", "")
	v.SetDefault("lookup.password", "")
	v.SetDefault("lookup.timeout", 15*time.Second)
	v.SetDefault("lookup.cache_ttl", 300*time.Second)
	v.SetDefault("lookup.max_retries", 1)
	v.SetDefault("lookup.retry_backoff", 200*time.Millisecond)
	v.SetDefault("lookup.rate_limit", 10.0)
	v.SetDefault("lookup.burst", 5)
	v.SetDefault("lookup.workers", 16)
	v.SetDefault("lookup.breaker_failures", 5)
	v.SetDefault("lookup.breaker_timeout", 30*time.Second)
	v.SetDefault("lookup.default_label", "Extra")

	v.SetDefault("plc.address", "")
	v.SetDefault("plc.unit_id", 1)
	v.SetDefault("plc.timeout", 5*time.Second)
	v.SetDefault("plc.photo_eye_coil", 1)
	v.SetDefault("plc.position_register", 0x15)
	v.SetDefault("plc.poll_interval", 10*time.Millisecond)
	v.SetDefault("plc.speed_register", 0)

	v.SetDefault("scanner.mode", ScannerNone)
	v.SetDefault("scanner.port", "/dev/ttyACM0")
	v.SetDefault("scanner.baud", 19200)
	v.SetDefault("scanner.debounce", 500*time.Millisecond)

	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("journal.dir", "./data/journal")
	v.SetDefault("journal.buffer_size", 256)
	v.SetDefault("journal.flush_interval", time.Second)
	v.SetDefault("journal.compress", true)

	v.SetDefault("snapshot.path", "./data/routing-cache.json")
	v.SetDefault("snapshot.interval", time.Minute)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "sortline.items")
	v.SetDefault("kafka.source", "sortline")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("pushers_file", "configs/pushers.yaml")
}

// Validate 檢查設定與推桿站設定表
//
// 所有問題一次回報，錯誤以 ErrInvalidConfig 包裝。
func (c *Config) Validate(pushers types.PusherTable) error {
	var problems []string

	if c.Conveyor.TickInterval <= 0 {
		problems = append(problems, "conveyor.tick_interval must be positive")
	}
	if c.Conveyor.BeltSpeed < 0 {
		problems = append(problems, "conveyor.belt_speed must not be negative")
	}
	if c.Lookup.Workers <= 0 {
		problems = append(problems, "lookup.workers must be positive")
	}
	if c.Lookup.MaxRetries < 0 {
		problems = append(problems, "lookup.max_retries must not be negative")
	}
	switch c.Scanner.Mode {
	case ScannerSerial, ScannerStdin, ScannerNone:
	default:
		problems = append(problems, "scanner.mode must be serial, stdin or none")
	}
	if c.Scanner.Mode == ScannerSerial && c.Scanner.Port == "" {
		problems = append(problems, "scanner.port is required in serial mode")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		problems = append(problems, "kafka.topic is required when brokers are set")
	}

	if len(pushers) == 0 {
		problems = append(problems, "pusher table is empty")
	}
	seen := make(map[int]bool, len(pushers))
	for _, p := range pushers {
		if p.ID <= 0 {
			problems = append(problems, "pusher id must be positive")
		}
		if seen[p.ID] {
			problems = append(problems, fmt.Sprintf("duplicate pusher id %d", p.ID))
		}
		seen[p.ID] = true
		if p.Distance < 0 {
			problems = append(problems, fmt.Sprintf("pusher %d distance must not be negative", p.ID))
		}
	}

	if len(problems) > 0 {
		return eris.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// pushersFile pusher 設定檔格式
type pushersFile struct {
	Pushers types.PusherTable `yaml:"pushers"`
}

// LoadPushers 讀取推桿站設定表
//
// 格式:
//
//	pushers:
//	  - {id: 1, label: Amazon, distance: 150}
//	  - {id: 8, label: Extra, distance: 900}
func LoadPushers(path string) (types.PusherTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read pushers %s", path)
	}
	return ParsePushers(data)
}

// ParsePushers 解析推桿站設定表內容
func ParsePushers(data []byte) (types.PusherTable, error) {
	var f pushersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "config: parse pushers")
	}
	return f.Pushers, nil
}

// SavePushers 寫回推桿站設定表（設定更新用）
func SavePushers(path string, pushers types.PusherTable) error {
	data, err := yaml.Marshal(pushersFile{Pushers: pushers})
	if err != nil {
		return eris.Wrap(err, "config: encode pushers")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "config: write pushers %s", path)
	}
	return nil
}

// NewLogger builds the root zap logger and installs it globally.
// format "console" selects the development encoder, anything else JSON.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return logger, nil
}
