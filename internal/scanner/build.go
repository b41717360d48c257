package scanner

import (
	"fmt"

	"github.com/apk-analysis/apk-secscan/internal/config"
	"github.com/apk-analysis/apk-secscan/internal/dexstrings"
	"github.com/apk-analysis/apk-secscan/internal/engine"
	"github.com/apk-analysis/apk-secscan/internal/extractor"
	"github.com/apk-analysis/apk-secscan/internal/normalizer"
	"github.com/apk-analysis/apk-secscan/internal/orchestrator"
	"github.com/apk-analysis/apk-secscan/internal/toolrunner"
	"github.com/sirupsen/logrus"
)

// FromConfig 按配置组装规则、工具调用、引擎注册表和编排器
func FromConfig(cfg *config.ScanConfig, observer toolrunner.Observer, logger *logrus.Logger) (*Scanner, error) {
	rules, err := engine.LoadRuleSet(engine.RulePaths{
		Regex:    cfg.Rules.Regex,
		Smali:    cfg.Rules.Smali,
		Manifest: cfg.Rules.Manifest,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	runner := toolrunner.NewRunner(logger)
	if observer != nil {
		runner.SetObserver(observer)
	}

	registry := engine.NewRegistry(engine.Deps{
		Rules:    rules,
		Runner:   runner,
		Gitleaks: engine.ToolConfig{Bin: cfg.Gitleaks.Bin, Timeout: config.Seconds(cfg.Gitleaks.Timeout)},
		Yara: engine.ToolConfig{
			Bin:     cfg.Yara.Bin,
			Timeout: config.Seconds(cfg.Yara.Timeout),
			Rules:   cfg.Yara.Rules,
		},
		Logger: logger,
	})

	norm := normalizer.NewNormalizer(logger, cfg.Mask.KeepStart, cfg.Mask.KeepEnd)
	orch := orchestrator.New(norm, orchestrator.Options{
		Concurrency:   cfg.EngineConcurrency,
		EngineTimeout: config.Seconds(cfg.EngineTimeout),
	}, logger)

	return New(Config{
		WorkDir:        cfg.WorkDir,
		KeepWorkDir:    cfg.KeepWorkDir,
		DexStrings:     cfg.DexStrings,
		ApktoolBin:     cfg.Apktool.Bin,
		ApktoolTimeout: config.Seconds(cfg.Apktool.Timeout),
	}, Deps{
		Extractor:    extractor.NewExtractor(logger, int64(cfg.MaxEntryMB)<<20),
		Decoder:      dexstrings.NewDecoder(logger, dexstrings.DefaultLimits()),
		Runner:       runner,
		Registry:     registry,
		Orchestrator: orch,
		Logger:       logger,
	}), nil
}
