package main

import (
	"fmt"
	"os"

	"github.com/apk-analysis/apk-secscan/internal/api"
	"github.com/apk-analysis/apk-secscan/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "apkscan",
	Short: "Static security scanner for Android APKs",
	Long: `apkscan extracts an APK, runs the detection engines (manifest, regex,
smali, endpoints, packer, gitleaks, yara) and prints a unified report.`,
	Version:       api.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPath string
	debugMode  bool
)

// exitError 携带退出码，不打印额外信息
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

// loadConfig 读取配置文件，未指定时使用默认配置
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// newLogger 命令行日志固定输出到 stderr，stdout 只写报告
func newLogger(cfg *config.Config) *logrus.Logger {
	logCfg := cfg.Log
	logCfg.Output = "stderr"
	if debugMode {
		logCfg.Level = "debug"
	} else if configPath == "" {
		logCfg.Level = "warn"
	}
	logger := config.InitLogger(&logCfg)
	logger.SetOutput(os.Stderr)
	return logger
}
