package normalizer

import (
	"github.com/apk-analysis/apk-secscan/internal/domain"
	"github.com/sirupsen/logrus"
)

// Normalizer 合并各引擎原始发现：掩码敏感值并去重
type Normalizer struct {
	keepStart int
	keepEnd   int
	logger    *logrus.Logger
}

// NewNormalizer 创建 normalizer，keep 参数为 0 时使用默认值 4/4
func NewNormalizer(logger *logrus.Logger, keepStart, keepEnd int) *Normalizer {
	if keepStart <= 0 {
		keepStart = DefaultKeepStart
	}
	if keepEnd <= 0 {
		keepEnd = DefaultKeepEnd
	}
	return &Normalizer{keepStart: keepStart, keepEnd: keepEnd, logger: logger}
}

// dedupKey 去重键
type dedupKey struct {
	byLocation bool
	id         string
	a, b       string
}

// Normalize 输出顺序与输入一致，重复项保留第一次出现的那个
//
// 输入切片和其中的 Evidence map 不会被修改。
func (n *Normalizer) Normalize(raw []domain.Finding) []domain.Finding {
	out := make([]domain.Finding, 0, len(raw))
	seen := make(map[dedupKey]struct{}, len(raw))
	dropped := 0

	for i := range raw {
		f := n.mask(raw[i])

		key := keyOf(&f)
		if _, dup := seen[key]; dup {
			dropped++
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}

	if dropped > 0 && n.logger != nil {
		n.logger.WithFields(logrus.Fields{
			"input":   len(raw),
			"output":  len(out),
			"dropped": dropped,
		}).Debug("Duplicate findings dropped")
	}
	return out
}

// Mask 对外暴露单值掩码，使用 normalizer 的 keep 配置
func (n *Normalizer) Mask(value string) string {
	return MaskSecret(value, n.keepStart, n.keepEnd)
}

// mask 复制发现并用掩码预览替换原始敏感值
func (n *Normalizer) mask(in domain.Finding) domain.Finding {
	out := in
	out.Evidence = make(map[string]interface{}, len(in.Evidence)+1)
	for k, v := range in.Evidence {
		out.Evidence[k] = v
	}
	if len(in.CWE) > 0 {
		out.CWE = append([]string(nil), in.CWE...)
	}

	if in.RawSecret != "" {
		out.Evidence[domain.EvidenceMatchPreview] = n.Mask(in.RawSecret)
	}
	out.RawSecret = ""

	if out.Source == "" {
		if engine, ok := out.EvidenceString(domain.EvidenceEngine); ok {
			out.Source = engine
		}
	}
	return out
}

// keyOf 优先 (id, file, line/offset)，否则 (id, source, 掩码后的预览)
func keyOf(f *domain.Finding) dedupKey {
	if f.ID != "" {
		if file, ok := f.EvidenceString(domain.EvidenceFile); ok {
			if line, ok := f.EvidenceString(domain.EvidenceLine); ok {
				return dedupKey{byLocation: true, id: f.ID, a: file, b: "line:" + line}
			}
			if offset, ok := f.EvidenceString(domain.EvidenceOffset); ok {
				return dedupKey{byLocation: true, id: f.ID, a: file, b: "offset:" + offset}
			}
		}
	}
	preview, _ := f.EvidenceString(domain.EvidenceMatchPreview)
	return dedupKey{id: f.ID, a: f.Source, b: preview}
}
