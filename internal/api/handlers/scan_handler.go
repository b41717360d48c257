package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/apk-analysis/apk-secscan/internal/engine"
	"github.com/apk-analysis/apk-secscan/internal/report"
	"github.com/apk-analysis/apk-secscan/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Dispatcher 将已登记的扫描交给执行端（消息队列或本地 worker 池）
type Dispatcher interface {
	Dispatch(ctx context.Context, scan *domain.Scan) error
}

// ScanHandler 扫描接口处理器
type ScanHandler struct {
	svc        service.ScanService
	dispatcher Dispatcher
	maxUpload  int64
	onSubmit   func()
	version    string
	logger     *logrus.Logger
}

// NewScanHandler 创建扫描处理器；maxUploadMB <= 0 时不限制大小
func NewScanHandler(svc service.ScanService, dispatcher Dispatcher, maxUploadMB int, logger *logrus.Logger) *ScanHandler {
	return &ScanHandler{
		svc:        svc,
		dispatcher: dispatcher,
		maxUpload:  int64(maxUploadMB) << 20,
		logger:     logger,
	}
}

// OnSubmit 设置提交成功后的回调（指标）
func (h *ScanHandler) OnSubmit(fn func()) {
	h.onSubmit = fn
}

// SetVersion 设置 SARIF 输出中的工具版本
func (h *ScanHandler) SetVersion(v string) {
	h.version = v
}

// SubmitScan 上传 APK 并排队扫描
// POST /api/scans  multipart: file, engines, apktool_mode, parent_scan_id
func (h *ScanHandler) SubmitScan(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "获取上传文件失败"})
		return
	}
	if !strings.HasSuffix(strings.ToLower(file.Filename), ".apk") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "只支持 APK 文件格式"})
		return
	}
	if h.maxUpload > 0 && file.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("文件大小超过限制 (最大 %dMB)", h.maxUpload>>20),
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		h.logger.WithError(err).Error("Failed to open uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "打开上传文件失败"})
		return
	}
	defer src.Close()

	opts := service.SubmitOptions{
		Engines:      splitList(c.PostForm("engines")),
		ApktoolMode:  c.PostForm("apktool_mode"),
		ParentScanID: c.PostForm("parent_scan_id"),
	}

	scan, err := h.svc.Submit(c.Request.Context(), file.Filename, src, opts)
	if err != nil {
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Failed to submit scan")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建扫描失败"})
		return
	}

	if err := h.dispatcher.Dispatch(c.Request.Context(), scan); err != nil {
		h.logger.WithError(err).WithField("scan_id", scan.ID).Error("Failed to dispatch scan")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "扫描已创建但暂时无法排队",
			"scan_id": scan.ID,
		})
		return
	}
	if h.onSubmit != nil {
		h.onSubmit()
	}

	c.JSON(http.StatusAccepted, scan)
}

// ListScans 分页列出扫描
// GET /api/scans?page=1&page_size=20
func (h *ScanHandler) ListScans(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	scans, total, err := h.svc.ListScans(c.Request.Context(), page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取扫描列表失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scans":     scans,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetScan 扫描状态，结束后附带统一报告
// GET /api/scans/:id
func (h *ScanHandler) GetScan(c *gin.Context) {
	id := c.Param("id")
	scan, err := h.svc.GetScan(c.Request.Context(), id)
	if err != nil {
		h.notFoundOrError(c, err, "获取扫描失败")
		return
	}

	resp := gin.H{"scan": scan}
	if scan.Status.IsTerminal() && scan.ReportStatus != "" {
		rep, err := h.svc.GetReport(c.Request.Context(), id)
		if err != nil {
			h.notFoundOrError(c, err, "获取扫描报告失败")
			return
		}
		counts, err := h.svc.CountBySeverity(c.Request.Context(), id)
		if err == nil {
			resp["severity_counts"] = counts
		}
		resp["report"] = rep
	}
	c.JSON(http.StatusOK, resp)
}

// GetSARIF 导出 SARIF 2.1.0 报告
// GET /api/scans/:id/sarif
func (h *ScanHandler) GetSARIF(c *gin.Context) {
	id := c.Param("id")
	scan, err := h.svc.GetScan(c.Request.Context(), id)
	if err != nil {
		h.notFoundOrError(c, err, "获取扫描失败")
		return
	}
	if !scan.Status.IsTerminal() || scan.ReportStatus == "" {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "扫描尚未完成",
			"status": scan.Status,
		})
		return
	}

	r, err := h.svc.GetReport(c.Request.Context(), id)
	if err != nil {
		h.notFoundOrError(c, err, "获取扫描报告失败")
		return
	}
	c.Header("Content-Type", "application/sarif+json")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.sarif"`, id))
	c.JSON(http.StatusOK, report.BuildSARIF(r, h.version))
}

// ListFindings 列出扫描发现
// GET /api/scans/:id/findings?severity=HIGH,CRITICAL
func (h *ScanHandler) ListFindings(c *gin.Context) {
	id := c.Param("id")

	var severities []domain.Severity
	for _, s := range splitList(c.Query("severity")) {
		sev, err := domain.ParseSeverity(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		severities = append(severities, sev)
	}

	if _, err := h.svc.GetScan(c.Request.Context(), id); err != nil {
		h.notFoundOrError(c, err, "获取扫描失败")
		return
	}
	findings, err := h.svc.ListFindings(c.Request.Context(), id, severities)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取扫描发现失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scan_id":  id,
		"findings": findings,
		"total":    len(findings),
	})
}

// DeleteScan 删除扫描
// DELETE /api/scans/:id
func (h *ScanHandler) DeleteScan(c *gin.Context) {
	id := c.Param("id")

	if err := h.svc.DeleteScan(c.Request.Context(), id); err != nil {
		if errors.Is(err, service.ErrScanRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "扫描正在执行，无法删除"})
			return
		}
		h.notFoundOrError(c, err, "删除扫描失败")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "扫描删除成功",
	})
}

// ListEngines 可用引擎（声明顺序）
// GET /api/engines
func (h *ScanHandler) ListEngines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"engines": engine.Names()})
}

func (h *ScanHandler) notFoundOrError(c *gin.Context, err error, msg string) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "扫描不存在"})
		return
	}
	h.logger.WithError(err).Error(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
