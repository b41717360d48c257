package dexstrings

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

const (
	// HeaderSize DEX header 最小长度 (0x70)
	HeaderSize = 0x70

	stringIDsSizeOff = 0x38
	stringIDsOffOff  = 0x3C

	DefaultMaxStrings = 200000
	DefaultMaxLen     = 4000

	// uleb128 最多 5 字节（shift 超过 35 即停止）
	maxULEB128Shift = 35
)

// Limits 解码上限，防止恶意输入导致内存/时间失控
type Limits struct {
	MaxStrings int // 最多读取的字符串条目数
	MaxLen     int // 单个字符串最大字符数，超出的条目被跳过
}

// DefaultLimits 默认上限
func DefaultLimits() Limits {
	return Limits{MaxStrings: DefaultMaxStrings, MaxLen: DefaultMaxLen}
}

// Result 解码结果
type Result struct {
	Strings  []string
	Declared int // header 声明的条目数
	Skipped  int // 越界、无终止符、空串或超长的条目
}

// IsDEX 检查 magic: "dex\n" + 三位版本号 + "\x00"
func IsDEX(data []byte) bool {
	if len(data) < HeaderSize {
		return false
	}
	return bytes.Equal(data[:4], []byte("dex\n")) && data[7] == 0x00
}

// Decode 解析 DEX 字符串池
//
// 任何 header 校验失败都返回空结果；单个条目出错只计入 Skipped，不影响其他条目。
func Decode(data []byte, limits Limits) *Result {
	if limits.MaxStrings <= 0 {
		limits.MaxStrings = DefaultMaxStrings
	}
	if limits.MaxLen <= 0 {
		limits.MaxLen = DefaultMaxLen
	}

	result := &Result{}
	if !IsDEX(data) {
		return result
	}

	count := binary.LittleEndian.Uint32(data[stringIDsSizeOff:])
	tableOff := binary.LittleEndian.Uint32(data[stringIDsOffOff:])
	result.Declared = int(count)

	// uint64 避免 count*4 在 32 位上溢出
	if tableOff == 0 || uint64(tableOff)+uint64(count)*4 > uint64(len(data)) {
		return result
	}

	n := int(count)
	if n > limits.MaxStrings {
		result.Skipped += n - limits.MaxStrings
		n = limits.MaxStrings
	}

	// MUTF-8 每个字符最多 3 字节
	window := limits.MaxLen*3 + 1
	result.Strings = make([]string, 0, n)

	for i := 0; i < n; i++ {
		entryOff := int(tableOff) + i*4
		strOff := binary.LittleEndian.Uint32(data[entryOff:])

		s, ok := readEntry(data, int64(strOff), window, limits.MaxLen)
		if !ok {
			result.Skipped++
			continue
		}
		result.Strings = append(result.Strings, s)
	}

	return result
}

// Strings 使用默认上限解码，只返回字符串
func Strings(data []byte) []string {
	return Decode(data, DefaultLimits()).Strings
}

// readEntry 读取 string_data_item: uleb128 utf16 长度 + MUTF-8 字节 + '\0'
func readEntry(data []byte, off int64, window, maxLen int) (string, bool) {
	if off <= 0 || off >= int64(len(data)) {
		return "", false
	}

	start, ok := skipULEB128(data, int(off))
	if !ok {
		return "", false
	}

	limit := start + window
	if limit > len(data) {
		limit = len(data)
	}
	end := bytes.IndexByte(data[start:limit], 0x00)
	if end < 0 {
		return "", false
	}
	raw := data[start : start+end]
	if len(raw) == 0 {
		return "", false
	}

	s := strings.TrimSpace(strings.ToValidUTF8(string(raw), "\uFFFD"))
	if s == "" || utf8.RuneCountInString(s) > maxLen {
		return "", false
	}
	return s, true
}

// skipULEB128 跳过一个 uleb128 值，返回其后的偏移
func skipULEB128(data []byte, off int) (int, bool) {
	shift := 0
	for {
		if off >= len(data) {
			return 0, false
		}
		b := data[off]
		off++
		if b&0x80 == 0 {
			return off, true
		}
		shift += 7
		if shift > maxULEB128Shift {
			return off, true
		}
	}
}
