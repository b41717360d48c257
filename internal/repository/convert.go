package repository

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/apk-analysis/apk-secscan/internal/domain"
)

// FindingRows 报告中的发现转换为表记录，Position 保留报告顺序
func FindingRows(scanID string, findings []domain.Finding) ([]*domain.ScanFinding, error) {
	rows := make([]*domain.ScanFinding, 0, len(findings))
	for i := range findings {
		f := &findings[i]
		evidence, err := json.Marshal(f.Evidence)
		if err != nil {
			return nil, fmt.Errorf("marshal evidence of %s: %w", f.ID, err)
		}
		file, _ := f.EvidenceString(domain.EvidenceFile)
		line := 0
		if s, ok := f.EvidenceString(domain.EvidenceLine); ok {
			line, _ = strconv.Atoi(s)
		}
		rows = append(rows, &domain.ScanFinding{
			ScanID:         scanID,
			Position:       i,
			FindingID:      f.ID,
			Title:          f.Title,
			Severity:       f.Severity,
			Source:         f.Source,
			FilePath:       file,
			Line:           line,
			EvidenceJSON:   string(evidence),
			Recommendation: f.Recommendation,
			CWE:            strings.Join(f.CWE, ","),
		})
	}
	return rows, nil
}

// ToFinding 表记录还原为发现
func ToFinding(row *domain.ScanFinding) domain.Finding {
	f := domain.Finding{
		ID:             row.FindingID,
		Title:          row.Title,
		Severity:       row.Severity,
		Recommendation: row.Recommendation,
		Source:         row.Source,
		Evidence:       map[string]interface{}{},
	}
	if row.EvidenceJSON != "" {
		_ = json.Unmarshal([]byte(row.EvidenceJSON), &f.Evidence)
	}
	if row.CWE != "" {
		f.CWE = strings.Split(row.CWE, ",")
	}
	return f
}

// ToReport 由扫描记录和发现还原统一报告
func ToReport(scan *domain.Scan, rows []*domain.ScanFinding) *domain.UnifiedReport {
	report := &domain.UnifiedReport{
		ScanID:           scan.ID,
		Status:           scan.ReportStatus,
		Error:            scan.Error,
		Errors:           []string{},
		Findings:         make([]domain.Finding, 0, len(rows)),
		SucceededEngines: []string{},
		Engines:          []domain.EngineSummary{},
		DurationMs:       scan.DurationMs,
	}
	if report.Status == "" && scan.Status == domain.ScanStatusFailed {
		report.Status = domain.ReportFailed
	}
	if scan.SucceededEngines != "" {
		report.SucceededEngines = strings.Split(scan.SucceededEngines, ",")
	}
	if scan.ContextJSON != "" {
		_ = json.Unmarshal([]byte(scan.ContextJSON), &report.Context)
	}
	if scan.EnginesJSON != "" {
		_ = json.Unmarshal([]byte(scan.EnginesJSON), &report.Engines)
	}
	for _, s := range report.Engines {
		if !s.OK && s.Error != "" {
			report.Errors = append(report.Errors, s.Name+": "+s.Error)
		}
	}
	for _, row := range rows {
		report.Findings = append(report.Findings, ToFinding(row))
	}
	return report
}
