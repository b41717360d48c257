package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/apk-analysis/apk-secscan/internal/api"
	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/apk-analysis/apk-secscan/internal/report"
	"gopkg.in/yaml.v3"
)

// writeReport 按格式输出报告
func writeReport(w io.Writer, r *domain.UnifiedReport, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml", "yml":
		// 经 JSON 中转以沿用 json 标签中的字段名
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case "sarif":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report.BuildSARIF(r, api.Version))
	case "table":
		printTable(w, r)
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want table, json, yaml or sarif)", format)
	}
}

func printTable(w io.Writer, r *domain.UnifiedReport) {
	rc := r.Context
	fmt.Fprintf(w, "%s  %s\n", rc.FileName, r.Status)
	fmt.Fprintf(w, "sha256 %s  size %d  files %d  duration %dms\n", rc.SHA256, rc.FileSize, rc.ExtractedFiles, r.DurationMs)
	if rc.ApktoolRan {
		status := "ok"
		if !rc.ApktoolOK {
			status = "failed"
		}
		fmt.Fprintf(w, "apktool (%s): %s\n", rc.ApktoolMode, status)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  ENGINE\tSTATUS\tFINDINGS\tFILES\tTIME\n")
	for _, e := range r.Engines {
		status := "ok"
		if !e.OK {
			status = "failed: " + truncate(e.Error, 50)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%dms\n", e.Name, status, e.Findings, e.FilesScanned, e.DurationMs)
	}
	tw.Flush()
	fmt.Fprintln(w)

	if len(r.Findings) == 0 {
		fmt.Fprintln(w, "No findings.")
		return
	}

	counts := r.CountBySeverity()
	var parts []string
	for _, sev := range []domain.Severity{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow, domain.SeverityInfo} {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", sev, n))
		}
	}
	fmt.Fprintf(w, "%d findings (%s)\n\n", len(r.Findings), strings.Join(parts, ", "))

	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  SEVERITY\tID\tSOURCE\tLOCATION\tTITLE\n")
	for i := range r.Findings {
		f := &r.Findings[i]
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", f.Severity, f.ID, f.Source, location(f), truncate(f.Title, 60))
	}
	tw.Flush()
}

// location 证据中的 file[:line]
func location(f *domain.Finding) string {
	file, ok := f.EvidenceString("file")
	if !ok {
		return "-"
	}
	if line, ok := f.Evidence["line"]; ok {
		return fmt.Sprintf("%s:%v", file, line)
	}
	return file
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
