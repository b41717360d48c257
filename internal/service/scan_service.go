package service

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/apk-analysis/apk-secscan/internal/engine"
	"github.com/apk-analysis/apk-secscan/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrScanRunning 扫描正在执行，不能删除或重复执行
	ErrScanRunning = errors.New("scan is running")
	// ErrInvalidRequest 提交参数非法
	ErrInvalidRequest = errors.New("invalid scan request")
)

// Pipeline 执行单次扫描
type Pipeline interface {
	Scan(ctx context.Context, req *domain.ScanRequest, sink domain.EventSink) (*domain.UnifiedReport, error)
}

// SubmitOptions 提交扫描的参数
type SubmitOptions struct {
	Engines      []string
	ApktoolMode  string
	ParentScanID string
}

// ScanService 扫描服务接口
type ScanService interface {
	// 保存上传的 APK 并创建排队中的扫描
	Submit(ctx context.Context, fileName string, r io.Reader, opts SubmitOptions) (*domain.Scan, error)

	// 为磁盘上已有的 APK 创建扫描（文件监控使用）
	SubmitFile(ctx context.Context, path string, opts SubmitOptions) (*domain.Scan, error)

	// 执行扫描并保存报告
	Execute(ctx context.Context, scanID string, sink domain.EventSink) (*domain.UnifiedReport, error)

	GetScan(ctx context.Context, scanID string) (*domain.Scan, error)
	GetReport(ctx context.Context, scanID string) (*domain.UnifiedReport, error)
	ListFindings(ctx context.Context, scanID string, severities []domain.Severity) ([]domain.Finding, error)
	ListScans(ctx context.Context, page, pageSize int) ([]*domain.Scan, int64, error)
	CountBySeverity(ctx context.Context, scanID string) (map[domain.Severity]int64, error)
	DeleteScan(ctx context.Context, scanID string) error
}

type scanService struct {
	repo      repository.ScanRepository
	pipeline  Pipeline
	uploadDir string
	defaults  SubmitOptions
	logger    *logrus.Logger
}

// Option 扫描服务可选配置
type Option func(*scanService)

// WithDefaults 请求未指定引擎或 apktool 模式时使用的默认值
func WithDefaults(engines []string, apktoolMode string) Option {
	return func(s *scanService) {
		s.defaults = SubmitOptions{Engines: engines, ApktoolMode: apktoolMode}
	}
}

// NewScanService 创建扫描服务实例
func NewScanService(repo repository.ScanRepository, pipeline Pipeline, uploadDir string, logger *logrus.Logger, opts ...Option) ScanService {
	s := &scanService{
		repo:      repo,
		pipeline:  pipeline,
		uploadDir: uploadDir,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// validate 校验引擎列表、apktool 模式和父扫描
func (s *scanService) validate(ctx context.Context, opts SubmitOptions) ([]string, domain.ToolMode, error) {
	if len(opts.Engines) == 0 {
		opts.Engines = s.defaults.Engines
	}
	if strings.TrimSpace(opts.ApktoolMode) == "" {
		opts.ApktoolMode = s.defaults.ApktoolMode
	}
	engines, err := engine.Normalize(opts.Engines)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	mode, err := domain.ParseToolMode(opts.ApktoolMode)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if opts.ParentScanID != "" {
		if _, err := s.repo.FindByID(ctx, opts.ParentScanID); err != nil {
			return nil, "", fmt.Errorf("%w: parent scan %s: %w", ErrInvalidRequest, opts.ParentScanID, err)
		}
	}
	return engines, mode, nil
}

func (s *scanService) Submit(ctx context.Context, fileName string, r io.Reader, opts SubmitOptions) (*domain.Scan, error) {
	engines, mode, err := s.validate(ctx, opts)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("创建上传目录失败: %w", err)
	}

	id := uuid.New().String()
	path := filepath.Join(s.uploadDir, id+".apk")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("保存上传文件失败: %w", err)
	}

	md5Hash := md5.New()
	sha256Hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(file, md5Hash, sha256Hash), r)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("保存上传文件失败: %w", err)
	}

	scan := &domain.Scan{
		ID:           id,
		FileName:     filepath.Base(fileName),
		ArtifactPath: path,
		FileSize:     size,
		SHA256:       hex.EncodeToString(sha256Hash.Sum(nil)),
		MD5:          hex.EncodeToString(md5Hash.Sum(nil)),
		Status:       domain.ScanStatusQueued,
		Engines:      strings.Join(engines, ","),
		ApktoolMode:  string(mode),
	}
	if opts.ParentScanID != "" {
		parent := opts.ParentScanID
		scan.ParentScanID = &parent
	}

	if err := s.repo.Create(ctx, scan); err != nil {
		os.Remove(path)
		s.logger.WithError(err).Error("Failed to create scan")
		return nil, fmt.Errorf("创建扫描失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"scan_id": scan.ID,
		"sha256":  scan.SHA256,
		"size":    scan.FileSize,
	}).Info("Scan submitted")
	return scan, nil
}

func (s *scanService) SubmitFile(ctx context.Context, path string, opts SubmitOptions) (*domain.Scan, error) {
	engines, mode, err := s.validate(ctx, opts)
	if err != nil {
		return nil, err
	}

	req, err := domain.NewScanRequest(path, engines, domain.RequestOptions{ApktoolMode: mode})
	if err != nil {
		return nil, err
	}

	scan := &domain.Scan{
		ID:           uuid.New().String(),
		FileName:     req.FileName,
		ArtifactPath: path,
		FileSize:     req.FileSize,
		SHA256:       req.SHA256,
		MD5:          req.MD5,
		Status:       domain.ScanStatusQueued,
		Engines:      strings.Join(engines, ","),
		ApktoolMode:  string(mode),
	}
	if opts.ParentScanID != "" {
		parent := opts.ParentScanID
		scan.ParentScanID = &parent
	}

	if err := s.repo.Create(ctx, scan); err != nil {
		s.logger.WithError(err).WithField("path", path).Error("Failed to create scan")
		return nil, fmt.Errorf("创建扫描失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"scan_id": scan.ID,
		"path":    path,
	}).Info("Scan submitted from file")
	return scan, nil
}

func (s *scanService) Execute(ctx context.Context, scanID string, sink domain.EventSink) (*domain.UnifiedReport, error) {
	scan, err := s.repo.FindByID(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("获取扫描失败: %w", err)
	}
	// 条件更新，同一扫描被重复投递时只有一个执行者能进入 running
	if err := s.repo.MarkRunning(ctx, scanID); err != nil {
		if errors.Is(err, repository.ErrAlreadyRunning) {
			return nil, ErrScanRunning
		}
		return nil, fmt.Errorf("更新扫描状态失败: %w", err)
	}

	mode, err := domain.ParseToolMode(scan.ApktoolMode)
	if err != nil {
		mode = domain.ToolModeOptional
	}
	var engines []string
	if scan.Engines != "" {
		engines = strings.Split(scan.Engines, ",")
	}
	req := &domain.ScanRequest{
		ScanID:         scan.ID,
		ArtifactPath:   scan.ArtifactPath,
		FileName:       scan.FileName,
		FileSize:       scan.FileSize,
		SHA256:         scan.SHA256,
		MD5:            scan.MD5,
		EnabledEngines: engines,
		ApktoolMode:    mode,
	}

	log := s.logger.WithFields(logrus.Fields{
		"scan_id": scan.ID,
		"sha256":  scan.SHA256,
	})
	start := time.Now()

	report, err := s.pipeline.Scan(ctx, req, sink)
	if err != nil {
		log.WithError(err).Error("Scan failed")
		s.markFailed(scanID, err.Error(), log)
		return nil, fmt.Errorf("执行扫描失败: %w", err)
	}
	report.ScanID = scan.ID

	if err := s.repo.SaveReport(ctx, scanID, report); err != nil {
		log.WithError(err).Error("Failed to save report")
		s.markFailed(scanID, "保存扫描报告失败: "+err.Error(), log)
		return report, fmt.Errorf("保存扫描报告失败: %w", err)
	}

	log.WithFields(logrus.Fields{
		"status":      report.Status,
		"findings":    len(report.Findings),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Scan executed")
	return report, nil
}

// markFailed 任务 context 可能已取消，状态写入使用独立 context
func (s *scanService) markFailed(scanID, msg string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.repo.UpdateStatus(ctx, scanID, domain.ScanStatusFailed, msg); err != nil {
		log.WithError(err).Error("Failed to mark scan failed")
	}
}

func (s *scanService) GetScan(ctx context.Context, scanID string) (*domain.Scan, error) {
	scan, err := s.repo.FindByID(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("获取扫描失败: %w", err)
	}
	return scan, nil
}

func (s *scanService) GetReport(ctx context.Context, scanID string) (*domain.UnifiedReport, error) {
	scan, err := s.repo.FindByID(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("获取扫描失败: %w", err)
	}
	rows, err := s.repo.ListFindings(ctx, scanID, nil)
	if err != nil {
		s.logger.WithError(err).WithField("scan_id", scanID).Error("Failed to list findings")
		return nil, fmt.Errorf("获取扫描发现失败: %w", err)
	}
	return repository.ToReport(scan, rows), nil
}

func (s *scanService) ListFindings(ctx context.Context, scanID string, severities []domain.Severity) ([]domain.Finding, error) {
	rows, err := s.repo.ListFindings(ctx, scanID, severities)
	if err != nil {
		return nil, fmt.Errorf("获取扫描发现失败: %w", err)
	}
	findings := make([]domain.Finding, 0, len(rows))
	for _, row := range rows {
		findings = append(findings, repository.ToFinding(row))
	}
	return findings, nil
}

func (s *scanService) ListScans(ctx context.Context, page, pageSize int) ([]*domain.Scan, int64, error) {
	scans, total, err := s.repo.List(ctx, page, pageSize)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list scans")
		return nil, 0, fmt.Errorf("获取扫描列表失败: %w", err)
	}
	return scans, total, nil
}

func (s *scanService) CountBySeverity(ctx context.Context, scanID string) (map[domain.Severity]int64, error) {
	return s.repo.CountBySeverity(ctx, scanID)
}

func (s *scanService) DeleteScan(ctx context.Context, scanID string) error {
	scan, err := s.repo.FindByID(ctx, scanID)
	if err != nil {
		return fmt.Errorf("删除扫描失败: %w", err)
	}
	if scan.Status == domain.ScanStatusRunning {
		return ErrScanRunning
	}

	if err := s.repo.Delete(ctx, scanID); err != nil {
		s.logger.WithError(err).WithField("scan_id", scanID).Error("Failed to delete scan")
		return fmt.Errorf("删除扫描失败: %w", err)
	}

	// 只清理上传目录中由本服务保存的文件
	if scan.ArtifactPath != "" && filepath.Dir(scan.ArtifactPath) == filepath.Clean(s.uploadDir) {
		if err := os.Remove(scan.ArtifactPath); err != nil && !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("path", scan.ArtifactPath).Warn("Failed to remove artifact")
		}
	}

	s.logger.WithField("scan_id", scanID).Info("Scan deleted successfully")
	return nil
}
