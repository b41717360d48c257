package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrAlreadyRunning 扫描已处于 running 状态
var ErrAlreadyRunning = errors.New("scan already running")

// ScanRepository 扫描记录与发现的持久化
type ScanRepository interface {
	Create(ctx context.Context, scan *domain.Scan) error
	UpdateStatus(ctx context.Context, id string, status domain.ScanStatus, errMsg string) error
	// MarkRunning 条件更新为 running，已在运行时返回 ErrAlreadyRunning
	MarkRunning(ctx context.Context, id string) error
	// SaveReport 在一个事务里写入报告摘要并替换该扫描的全部发现
	SaveReport(ctx context.Context, id string, report *domain.UnifiedReport) error
	FindByID(ctx context.Context, id string) (*domain.Scan, error)
	FindLatestBySHA256(ctx context.Context, sha256 string) (*domain.Scan, error)
	ListFindings(ctx context.Context, scanID string, severities []domain.Severity) ([]*domain.ScanFinding, error)
	List(ctx context.Context, page, pageSize int) ([]*domain.Scan, int64, error)
	ListQueued(ctx context.Context) ([]*domain.Scan, error)
	ListByStatus(ctx context.Context, status domain.ScanStatus) ([]*domain.Scan, error)
	// FailInterrupted 将上次运行遗留的 running 扫描标记为失败
	FailInterrupted(ctx context.Context, errMsg string) (int64, error)
	CountBySeverity(ctx context.Context, scanID string) (map[domain.Severity]int64, error)
	Delete(ctx context.Context, id string) error
}

type scanRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewScanRepository 创建扫描 Repository
func NewScanRepository(db *gorm.DB, logger *logrus.Logger) ScanRepository {
	return &scanRepo{db: db, logger: logger}
}

func (r *scanRepo) Create(ctx context.Context, scan *domain.Scan) error {
	now := time.Now().UTC()
	scan.CreatedAt = now
	scan.UpdatedAt = now
	if scan.Status == "" {
		scan.Status = domain.ScanStatusQueued
	}
	return r.db.WithContext(ctx).Create(scan).Error
}

func (r *scanRepo) UpdateStatus(ctx context.Context, id string, status domain.ScanStatus, errMsg string) error {
	updates := map[string]interface{}{
		"status":     status,
		"error":      errMsg,
		"updated_at": time.Now().UTC(),
	}
	if status.IsTerminal() {
		updates["completed_at"] = time.Now().UTC()
	}

	result := r.db.WithContext(ctx).Model(&domain.Scan{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *scanRepo) MarkRunning(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&domain.Scan{}).
		Where("id = ? AND status <> ?", id, domain.ScanStatusRunning).
		Updates(map[string]interface{}{
			"status":       domain.ScanStatusRunning,
			"error":        "",
			"updated_at":   time.Now().UTC(),
			"completed_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Scan{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return gorm.ErrRecordNotFound
	}
	return ErrAlreadyRunning
}

func (r *scanRepo) SaveReport(ctx context.Context, id string, report *domain.UnifiedReport) error {
	contextJSON, err := json.Marshal(report.Context)
	if err != nil {
		return fmt.Errorf("marshal report context: %w", err)
	}
	enginesJSON, err := json.Marshal(report.Engines)
	if err != nil {
		return fmt.Errorf("marshal engine summaries: %w", err)
	}
	rows, err := FindingRows(id, report.Findings)
	if err != nil {
		return err
	}

	status := domain.ScanStatusCompleted
	if report.Status == domain.ReportFailed {
		status = domain.ScanStatusFailed
	}
	now := time.Now().UTC()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.Scan{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":            status,
			"error":             report.Error,
			"report_status":     report.Status,
			"succeeded_engines": strings.Join(report.SucceededEngines, ","),
			"findings_count":    len(report.Findings),
			"duration_ms":       report.DurationMs,
			"context_json":      string(contextJSON),
			"engines_json":      string(enginesJSON),
			"updated_at":        now,
			"completed_at":      now,
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Where("scan_id = ?", id).Delete(&domain.ScanFinding{}).Error; err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return err
			}
		}

		r.logger.WithFields(logrus.Fields{
			"scan_id":  id,
			"status":   report.Status,
			"findings": len(rows),
		}).Debug("Scan report saved")
		return nil
	})
}

func (r *scanRepo) FindByID(ctx context.Context, id string) (*domain.Scan, error) {
	var scan domain.Scan
	if err := r.db.WithContext(ctx).First(&scan, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &scan, nil
}

func (r *scanRepo) FindLatestBySHA256(ctx context.Context, sha256 string) (*domain.Scan, error) {
	var scan domain.Scan
	err := r.db.WithContext(ctx).
		Where("sha256 = ?", sha256).
		Order("created_at DESC").
		First(&scan).Error
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

func (r *scanRepo) ListFindings(ctx context.Context, scanID string, severities []domain.Severity) ([]*domain.ScanFinding, error) {
	query := r.db.WithContext(ctx).Where("scan_id = ?", scanID)
	if len(severities) > 0 {
		query = query.Where("severity IN ?", severities)
	}

	var findings []*domain.ScanFinding
	err := query.Order("position ASC").Find(&findings).Error
	return findings, err
}

func (r *scanRepo) List(ctx context.Context, page, pageSize int) ([]*domain.Scan, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&domain.Scan{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var scans []*domain.Scan
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&scans).Error
	return scans, total, err
}

func (r *scanRepo) ListQueued(ctx context.Context) ([]*domain.Scan, error) {
	return r.ListByStatus(ctx, domain.ScanStatusQueued)
}

func (r *scanRepo) ListByStatus(ctx context.Context, status domain.ScanStatus) ([]*domain.Scan, error) {
	var scans []*domain.Scan
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&scans).Error
	return scans, err
}

func (r *scanRepo) FailInterrupted(ctx context.Context, errMsg string) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.Scan{}).
		Where("status = ?", domain.ScanStatusRunning).
		Updates(map[string]interface{}{
			"status":       domain.ScanStatusFailed,
			"error":        errMsg,
			"updated_at":   now,
			"completed_at": now,
		})
	return result.RowsAffected, result.Error
}

func (r *scanRepo) CountBySeverity(ctx context.Context, scanID string) (map[domain.Severity]int64, error) {
	type severityCount struct {
		Severity domain.Severity
		Count    int64
	}

	var results []severityCount
	err := r.db.WithContext(ctx).
		Model(&domain.ScanFinding{}).
		Select("severity, COUNT(*) as count").
		Where("scan_id = ?", scanID).
		Group("severity").
		Scan(&results).Error
	if err != nil {
		r.logger.WithError(err).WithField("scan_id", scanID).Error("Failed to count findings by severity")
		return nil, err
	}

	counts := map[domain.Severity]int64{
		domain.SeverityCritical: 0,
		domain.SeverityHigh:     0,
		domain.SeverityMedium:   0,
		domain.SeverityLow:      0,
		domain.SeverityInfo:     0,
	}
	for _, c := range results {
		counts[c.Severity] = c.Count
	}
	return counts, nil
}

func (r *scanRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("scan_id = ?", id).Delete(&domain.ScanFinding{})
		if result.Error != nil {
			return result.Error
		}
		r.logger.WithFields(logrus.Fields{"scan_id": id, "deleted": result.RowsAffected}).Info("Deleted scan_findings")

		result = tx.Where("id = ?", id).Delete(&domain.Scan{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}
