package engine

import (
	"bufio"
	"context"
	"net/url"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	maxEndpointLen      = 300
	maxEndpointFileSize = 2000000
	maxListedEndpoints  = 50
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>()]+`)

// ignoredHosts XML 命名空间等非网络地址
var ignoredHosts = map[string]bool{
	"schemas.android.com": true,
	"www.w3.org":          true,
	"ns.adobe.com":        true,
	"xmlpull.org":         true,
	"www.apache.org":      true,
}

// endpointDirs 只在这些目录下查找文本资源
var endpointDirs = []string{"assets/", "res/raw/", "res/values/", "res/xml/"}

var endpointExtensions = map[string]bool{
	".txt": true, ".json": true, ".xml": true, ".html": true, ".js": true,
	".properties": true, ".yaml": true, ".yml": true,
}

// EndpointsEngine 提取网络端点，报告明文 HTTP 端点
type EndpointsEngine struct {
	logger *logrus.Logger
}

// NewEndpointsEngine 创建端点引擎
func NewEndpointsEngine(logger *logrus.Logger) *EndpointsEngine {
	return &EndpointsEngine{logger: logger}
}

// Name 引擎名称
func (e *EndpointsEngine) Name() string { return "endpoints" }

// Run 从 DEX 字符串、manifest 与资源文件中收集 URL
func (e *EndpointsEngine) Run(ctx context.Context, target Target) (*domain.EngineResult, error) {
	result := newResult(e.Name())
	found := make(map[string]struct{})

	if target.DexStrings != "" {
		if err := e.scanLines(target.DexStrings, found); err == nil {
			result.Stats.FilesScanned++
		} else if !os.IsNotExist(err) {
			result.Stats.Skipped++
		}
	}

	root := target.ScanRoot()
	unreadable, err := walkFiles(ctx, root, func(path, rel string, size int64) error {
		if !isEndpointSource(rel, size) {
			return nil
		}
		text, err := readTextPrefix(path, maxEndpointFileSize)
		if err != nil {
			result.Stats.Skipped++
			return nil
		}
		// 二进制 AXML 中的 URL 以 UTF-16 存储，这里只处理文本
		if strings.IndexByte(text, 0x00) >= 0 {
			return nil
		}
		result.Stats.FilesScanned++
		collectURLs(text, found)
		return nil
	})
	result.Stats.Skipped += unreadable
	if err != nil {
		return result, err
	}

	endpoints := make([]string, 0, len(found))
	for u := range found {
		endpoints = append(endpoints, u)
	}
	sort.Strings(endpoints)
	result.Stats.Matches = len(endpoints)

	var cleartext []string
	hosts := make(map[string]struct{})
	for _, u := range endpoints {
		if strings.HasPrefix(strings.ToLower(u), "http://") {
			cleartext = append(cleartext, u)
		}
		hosts[hostOf(u)] = struct{}{}
	}

	if len(cleartext) > 0 {
		listed := cleartext
		if len(listed) > maxListedEndpoints {
			listed = listed[:maxListedEndpoints]
		}
		result.Findings = append(result.Findings, domain.Finding{
			ID:       "APK-006",
			Title:    "Cleartext HTTP endpoints found (MITM risk)",
			Severity: domain.SeverityHigh,
			Evidence: map[string]interface{}{
				domain.EvidenceEngine:       e.Name(),
				domain.EvidenceMatchPreview: cleartext[0],
				"http_endpoints":            listed,
				"http_count":                len(cleartext),
			},
			Recommendation: "Move the endpoints to HTTPS and disable cleartext traffic in the network security config.",
			Source:         e.Name(),
			CWE:            []string{"CWE-319"},
		})
	}

	e.logger.WithFields(logrus.Fields{
		"scan_id":   target.ScanID,
		"engine":    e.Name(),
		"endpoints": len(endpoints),
		"hosts":     len(hosts),
		"cleartext": len(cleartext),
	}).Debug("Endpoint extraction finished")
	return result, nil
}

func (e *EndpointsEngine) scanLines(path string, found map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		collectURLs(scanner.Text(), found)
	}
	return scanner.Err()
}

func isEndpointSource(rel string, size int64) bool {
	if rel == manifestFile {
		return true
	}
	if size > maxEndpointFileSize {
		return false
	}
	if !endpointExtensions[strings.ToLower(path.Ext(rel))] {
		return false
	}
	for _, dir := range endpointDirs {
		if strings.HasPrefix(rel, dir) {
			return true
		}
	}
	return false
}

func collectURLs(text string, found map[string]struct{}) {
	for _, u := range urlPattern.FindAllString(text, -1) {
		if IsPlausibleURL(u) {
			found[u] = struct{}{}
		}
	}
}

// IsPlausibleURL 过滤命名空间、控制字符和无主机的 URL
func IsPlausibleURL(u string) bool {
	if u == "" || len(u) > maxEndpointLen {
		return false
	}
	for _, c := range u {
		if c < 32 {
			return false
		}
	}
	parsed, err := url.Parse(u)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" || ignoredHosts[host] || strings.HasSuffix(host, ".schemas.android.com") {
		return false
	}
	return true
}

func hostOf(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
