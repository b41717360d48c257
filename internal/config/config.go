package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
	Scan     ScanConfig     `mapstructure:"scan"`
}

type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`           // debug, release
	MaxUploadMB   int    `mapstructure:"max_upload_mb"`  // 上传 APK 大小上限
	UploadDir     string `mapstructure:"upload_dir"`     // 上传文件保存目录
	ShutdownDelay int    `mapstructure:"shutdown_delay"` // seconds
	APIToken      string `mapstructure:"api_token"`      // 非空时 /api 需要 Bearer token
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// URL AMQP 连接地址
func (c *RabbitMQConfig) URL() string {
	vhost := strings.TrimPrefix(c.VHost, "/")
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, vhost)
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // 同时执行的扫描数
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr 或文件路径
}

// ScanConfig 扫描流水线配置
type ScanConfig struct {
	WorkDir           string        `mapstructure:"work_dir"`
	InboundDir        string        `mapstructure:"inbound_dir"` // 为空时不启动目录监听
	KeepWorkDir       bool          `mapstructure:"keep_work_dir"`
	EnabledEngines    []string      `mapstructure:"enabled_engines"`
	EngineConcurrency int           `mapstructure:"engine_concurrency"`
	EngineTimeout     int           `mapstructure:"engine_timeout"` // seconds, 0 不限制
	DexStrings        bool          `mapstructure:"dex_strings"`
	MaxEntryMB        int           `mapstructure:"max_entry_mb"` // 单个压缩条目解压上限
	Apktool           ApktoolConfig `mapstructure:"apktool"`
	Gitleaks          ToolConfig    `mapstructure:"gitleaks"`
	Yara              YaraConfig    `mapstructure:"yara"`
	Rules             RulesConfig   `mapstructure:"rules"`
	Mask              MaskConfig    `mapstructure:"mask"`
}

// ApktoolConfig apktool 配置
type ApktoolConfig struct {
	Mode    string `mapstructure:"mode"` // off, optional, required, auto
	Bin     string `mapstructure:"bin"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

// ToolConfig 外部扫描工具配置
type ToolConfig struct {
	Bin     string `mapstructure:"bin"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

// YaraConfig yara 配置
type YaraConfig struct {
	Bin     string `mapstructure:"bin"`
	Rules   string `mapstructure:"rules"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

// RulesConfig 规则文件路径，为空时使用内置规则
type RulesConfig struct {
	Regex    string `mapstructure:"regex"`
	Smali    string `mapstructure:"smali"`
	Manifest string `mapstructure:"manifest"`
}

// MaskConfig 证据掩码保留长度
type MaskConfig struct {
	KeepStart int `mapstructure:"keep_start"`
	KeepEnd   int `mapstructure:"keep_end"`
}

// Seconds 秒数转换为 Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Default 无配置文件时的默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8080,
			Mode:          "release",
			MaxUploadMB:   512,
			UploadDir:     "./data/uploads",
			ShutdownDelay: 30,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Port: 3306,
			Path: "./data/scans.db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:  "localhost",
			Port:  5672,
			User:  "guest",
			VHost: "/",
			Queue: "apk_scans",
		},
		Worker: WorkerConfig{
			Concurrency: 2,
			QueueSize:   100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Scan: ScanConfig{
			WorkDir:           "./data/work",
			EngineConcurrency: 4,
			EngineTimeout:     600,
			DexStrings:        true,
			MaxEntryMB:        512,
			Apktool:           ApktoolConfig{Mode: "optional", Timeout: 180},
			Gitleaks:          ToolConfig{Timeout: 180},
			Yara:              YaraConfig{Timeout: 180},
			Mask:              MaskConfig{KeepStart: 4, KeepEnd: 4},
		},
	}
}

// Load 读取 YAML 配置并叠加环境变量，未配置的字段保留 Default() 的值
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// 外部工具与工作目录
	v.BindEnv("scan.apktool.bin", "APKTOOL_BIN", "APKTOOL_CMD")
	v.BindEnv("scan.gitleaks.bin", "GITLEAKS_BIN")
	v.BindEnv("scan.yara.bin", "YARA_BIN")
	v.BindEnv("scan.work_dir", "WORK_DIR")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("database.type must be mysql or sqlite, got %q", c.Database.Type)
	}
	switch strings.ToLower(c.Scan.Apktool.Mode) {
	case "", "off", "optional", "required", "auto":
	default:
		return fmt.Errorf("scan.apktool.mode must be off, optional, required or auto, got %q", c.Scan.Apktool.Mode)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Scan.WorkDir == "" {
		return fmt.Errorf("scan.work_dir is required")
	}
	return nil
}
