package normalizer

import "strings"

const (
	DefaultKeepStart = 4
	DefaultKeepEnd   = 4

	maskChar = "*"
	maskFill = "****"
)

// MaskSecret 保留前 keepStart 和后 keepEnd 个字符，中间替换为固定宽度掩码
//
// 长度不超过 keepStart+keepEnd 时整体替换为等长掩码。按字符而非字节计算长度。
func MaskSecret(value string, keepStart, keepEnd int) string {
	if keepStart < 0 {
		keepStart = 0
	}
	if keepEnd < 0 {
		keepEnd = 0
	}

	runes := []rune(strings.TrimSpace(value))
	if len(runes) <= keepStart+keepEnd {
		return strings.Repeat(maskChar, len(runes))
	}
	return string(runes[:keepStart]) + maskFill + string(runes[len(runes)-keepEnd:])
}
