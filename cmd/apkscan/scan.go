package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/config"
	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/apk-analysis/apk-secscan/internal/engine"
	"github.com/apk-analysis/apk-secscan/internal/scanner"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type scanFlags struct {
	engines    string
	apktool    string
	apktoolBin string
	timeout    int
	workDir    string
	keep       bool
	noDex      bool
	format     string
	output     string
}

var scanOpts scanFlags

var scanCmd = &cobra.Command{
	Use:   "scan <apk>",
	Short: "Scan an APK and print the unified report",
	Long: `Scan runs the full pipeline against one APK. Exit status is 0 when the
report is COMPLETED, 1 when every engine failed and 2 on a fatal error
(unreadable archive, required tool failure, interrupted scan).`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	f := scanCmd.Flags()
	f.StringVarP(&scanOpts.engines, "engines", "e", "", "comma separated engines (default: all, or scan.enabled_engines)")
	f.StringVar(&scanOpts.apktool, "apktool", "", "apktool mode: off, optional, required, auto")
	f.StringVar(&scanOpts.apktoolBin, "apktool-bin", "", "apktool executable")
	f.IntVar(&scanOpts.timeout, "timeout", 0, "external tool timeout in seconds")
	f.StringVar(&scanOpts.workDir, "work-dir", "", "directory for extracted files")
	f.BoolVar(&scanOpts.keep, "keep", false, "keep the extracted work tree")
	f.BoolVar(&scanOpts.noDex, "no-dex-strings", false, "skip direct DEX string pool decoding")
	f.StringVarP(&scanOpts.format, "format", "f", "", "output format: table, json, yaml, sarif (default: table on a terminal, json otherwise)")
	f.StringVarP(&scanOpts.output, "output", "o", "", "write the report to a file instead of stdout")
	rootCmd.AddCommand(scanCmd)
}

// applyScanFlags 命令行参数覆盖配置
func applyScanFlags(cfg *config.ScanConfig, f scanFlags) {
	if f.workDir != "" {
		cfg.WorkDir = f.workDir
	}
	if f.keep {
		cfg.KeepWorkDir = true
	}
	if f.noDex {
		cfg.DexStrings = false
	}
	if f.apktool != "" {
		cfg.Apktool.Mode = f.apktool
	}
	if f.apktoolBin != "" {
		cfg.Apktool.Bin = f.apktoolBin
	}
	if f.timeout > 0 {
		cfg.Apktool.Timeout = f.timeout
		cfg.Gitleaks.Timeout = f.timeout
		cfg.Yara.Timeout = f.timeout
	}
}

// buildRequest 校验引擎与模式后创建请求
func buildRequest(path string, cfg *config.ScanConfig, enginesFlag string) (*domain.ScanRequest, error) {
	var engines []string
	var err error
	if enginesFlag != "" {
		engines, err = engine.ParseNames(enginesFlag)
	} else {
		engines, err = engine.Normalize(cfg.EnabledEngines)
	}
	if err != nil {
		return nil, err
	}

	mode, err := domain.ParseToolMode(cfg.Apktool.Mode)
	if err != nil {
		return nil, err
	}

	return domain.NewScanRequest(path, engines, domain.RequestOptions{
		ScanID:      uuid.New().String(),
		ApktoolMode: mode,
		ApktoolBin:  cfg.Apktool.Bin,
		ToolTimeout: config.Seconds(cfg.Apktool.Timeout),
	})
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyScanFlags(&cfg.Scan, scanOpts)
	logger := newLogger(cfg)

	req, err := buildRequest(args[0], &cfg.Scan, scanOpts.engines)
	if err != nil {
		return err
	}

	s, err := scanner.FromConfig(&cfg.Scan, nil, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sink domain.EventSink = domain.NopSink{}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		sink = &progressPrinter{w: os.Stderr}
	}

	report, err := s.Scan(ctx, req, sink)
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	toTerminal := term.IsTerminal(int(os.Stdout.Fd()))
	if scanOpts.output != "" {
		file, err := os.Create(scanOpts.output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer file.Close()
		out = file
		toTerminal = false
	}

	format := scanOpts.format
	if format == "" {
		format = "json"
		if toTerminal {
			format = "table"
		}
	}
	if err := writeReport(out, report, format); err != nil {
		return err
	}

	if report.Status == domain.ReportFailed {
		return &exitError{code: 1}
	}
	return nil
}

// progressPrinter 终端上逐行打印阶段事件
type progressPrinter struct {
	w io.Writer
}

func (p *progressPrinter) Emit(e domain.ScanEvent) {
	name := string(e.Stage)
	if e.Name != "" {
		name += "/" + e.Name
	}
	line := fmt.Sprintf("[%s] %-22s %s", e.Time.Format(time.TimeOnly), name, e.Status)
	if e.Findings > 0 {
		line += fmt.Sprintf(" (%d findings)", e.Findings)
	}
	if e.Message != "" {
		line += ": " + e.Message
	}
	fmt.Fprintln(p.w, line)
}
