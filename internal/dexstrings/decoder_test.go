package dexstrings

import (
	"archive/zip"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeULEB128 编码 uleb128
func encodeULEB128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

// buildDEX 构造只包含 header、string_ids 和 string_data 的最小 DEX
func buildDEX(strs [][]byte) []byte {
	tableOff := HeaderSize
	dataOff := tableOff + len(strs)*4

	buf := make([]byte, dataOff)
	copy(buf, "dex\n035\x00")
	binary.LittleEndian.PutUint32(buf[stringIDsSizeOff:], uint32(len(strs)))
	binary.LittleEndian.PutUint32(buf[stringIDsOffOff:], uint32(tableOff))

	for i, s := range strs {
		binary.LittleEndian.PutUint32(buf[tableOff+i*4:], uint32(len(buf)))
		buf = append(buf, encodeULEB128(uint32(len(s)))...)
		buf = append(buf, s...)
		buf = append(buf, 0x00)
	}
	return buf
}

func bs(strs ...string) [][]byte {
	out := make([][]byte, len(strs))
	for i, s := range strs {
		out[i] = []byte(s)
	}
	return out
}

// TestDecode_ValidPool 测试正常字符串池
func TestDecode_ValidPool(t *testing.T) {
	long := strings.Repeat("x", 300) // 两字节 uleb128 长度前缀
	dex := buildDEX(bs("https://api.example.com", "AKIAABCDEFGHEXAMPLE", long, "Landroid/app/Activity;"))

	result := Decode(dex, DefaultLimits())

	assert.Equal(t, 4, result.Declared)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, []string{"https://api.example.com", "AKIAABCDEFGHEXAMPLE", long, "Landroid/app/Activity;"}, result.Strings)
}

// TestDecode_ShortBuffer 测试小于 header 的输入返回空
func TestDecode_ShortBuffer(t *testing.T) {
	for _, size := range []int{0, 1, 8, HeaderSize - 1} {
		buf := make([]byte, size)
		copy(buf, "dex\n035\x00")
		assert.Empty(t, Decode(buf, DefaultLimits()).Strings, "size %d", size)
	}
	assert.Empty(t, Strings(nil))
}

// TestDecode_BadMagic 测试 magic 不匹配
func TestDecode_BadMagic(t *testing.T) {
	dex := buildDEX(bs("hello"))
	copy(dex, "dey\n036\x00")
	assert.Empty(t, Strings(dex))

	dex = buildDEX(bs("hello"))
	dex[7] = '1'
	assert.Empty(t, Strings(dex))
}

// TestDecode_TableOutOfBounds 测试字符串表越界返回空
func TestDecode_TableOutOfBounds(t *testing.T) {
	dex := buildDEX(bs("a", "b"))
	binary.LittleEndian.PutUint32(dex[stringIDsSizeOff:], 0xFFFFFFFF)
	assert.Empty(t, Strings(dex), "huge count must not read out of bounds")

	dex = buildDEX(bs("a", "b"))
	binary.LittleEndian.PutUint32(dex[stringIDsOffOff:], uint32(len(dex)-4))
	assert.Empty(t, Strings(dex), "table past end of buffer")

	dex = buildDEX(bs("a"))
	binary.LittleEndian.PutUint32(dex[stringIDsOffOff:], 0)
	assert.Empty(t, Strings(dex), "zero table offset")
}

// TestDecode_BadEntriesSkipped 测试单个坏条目被跳过且计数
func TestDecode_BadEntriesSkipped(t *testing.T) {
	dex := buildDEX(bs("first", "second", "third", "fourth"))
	// 第二个条目指向缓冲区之外
	binary.LittleEndian.PutUint32(dex[HeaderSize+4:], uint32(len(dex)+100))
	// 第三个条目偏移为 0
	binary.LittleEndian.PutUint32(dex[HeaderSize+8:], 0)

	result := Decode(dex, DefaultLimits())
	assert.Equal(t, []string{"first", "fourth"}, result.Strings)
	assert.Equal(t, 2, result.Skipped)
}

// TestDecode_MissingTerminator 测试缺少终止符
func TestDecode_MissingTerminator(t *testing.T) {
	dex := buildDEX(bs("ok", "truncated"))
	dex = dex[:len(dex)-1] // 去掉最后一个 '\0'

	result := Decode(dex, DefaultLimits())
	assert.Equal(t, []string{"ok"}, result.Strings)
	assert.Equal(t, 1, result.Skipped)
}

// TestDecode_InvalidUTF8 测试非法 UTF-8 被替换
func TestDecode_InvalidUTF8(t *testing.T) {
	dex := buildDEX([][]byte{{'a', 0xFF, 0xFE, 'b'}})

	result := Decode(dex, DefaultLimits())
	require.Len(t, result.Strings, 1)
	assert.Equal(t, "a\uFFFDb", result.Strings[0])
}

// TestDecode_EmptyAndWhitespaceSkipped 测试空串与空白串
func TestDecode_EmptyAndWhitespaceSkipped(t *testing.T) {
	dex := buildDEX(bs("", "   ", "value"))

	result := Decode(dex, DefaultLimits())
	assert.Equal(t, []string{"value"}, result.Strings)
	assert.Equal(t, 2, result.Skipped)
}

// TestDecode_Limits 测试上限
func TestDecode_Limits(t *testing.T) {
	dex := buildDEX(bs("one", "two", "three", strings.Repeat("z", 50)))

	result := Decode(dex, Limits{MaxStrings: 2, MaxLen: 10})
	assert.Equal(t, []string{"one", "two"}, result.Strings)
	assert.Equal(t, 2, result.Skipped)

	result = Decode(dex, Limits{MaxStrings: 10, MaxLen: 10})
	assert.Equal(t, []string{"one", "two", "three"}, result.Strings)
	assert.Equal(t, 1, result.Skipped, "over-long string is skipped")
}

// TestSkipULEB128 测试 uleb128 跳过
func TestSkipULEB128(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		next int
		ok   bool
	}{
		{"single byte", []byte{0x05}, 1, true},
		{"two bytes", []byte{0xAC, 0x02}, 2, true},
		{"truncated", []byte{0x80, 0x80}, 0, false},
		{"runaway continuation stops after 5 bytes", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80}, 6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok := skipULEB128(tt.data, 0)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.next, next)
			}
		})
	}
}

// TestDecodeArchive 测试从 APK 中读取 classes*.dex
func TestDecodeArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.apk")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, data := range map[string][]byte{
		"classes.dex":         buildDEX(bs("alpha", "beta")),
		"classes2.dex":        buildDEX(bs("gamma")),
		"assets/classes3.dex": buildDEX(bs("hidden")),
		"res/raw/notes.txt":   []byte("not a dex"),
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	result, err := NewDecoder(logger, DefaultLimits()).DecodeArchive(context.Background(), path)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, result.Strings)
	assert.Len(t, result.Files, 2)

	out, err := WriteFile(t.TempDir(), result.Strings)
	require.NoError(t, err)
	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(string(content), "\n")))
}

// TestIsDEXEntry 测试条目名匹配
func TestIsDEXEntry(t *testing.T) {
	assert.True(t, IsDEXEntry("classes.dex"))
	assert.True(t, IsDEXEntry("classes12.dex"))
	assert.False(t, IsDEXEntry("assets/classes.dex"))
	assert.False(t, IsDEXEntry("classes.jar"))
	assert.False(t, IsDEXEntry("lib.dex"))
}
