package loader

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/mozillazg/go-pinyin"

	"github.com/GrainArc/VectorLayer/vlschema"
)

var (
	keynameInvalid = regexp.MustCompile(`[^a-z0-9_]+`)
	leadingDigits  = regexp.MustCompile(`^(\d+)(.*)$`)
)

// 图层中保留的字段键
var reservedKeys = map[string]bool{"id": true, "geom": true, "fid": true}

// NormalizeKeyname 把原始字段名转换为字段键：汉字取拼音首字母，其他字符转小写，
// 非法字符替换为下划线，开头的数字移到末尾
func NormalizeKeyname(name string) string {
	a := pinyin.NewArgs()
	a.Style = pinyin.FirstLetter
	var b strings.Builder
	for _, r := range name {
		if unicode.Is(unicode.Han, r) {
			if py := pinyin.SinglePinyin(r, a); len(py) > 0 {
				b.WriteString(py[0])
			}
			continue
		}
		b.WriteRune(r)
	}
	key := strings.ToLower(b.String())
	key = keynameInvalid.ReplaceAllString(key, "_")
	key = strings.Trim(key, "_")
	if m := leadingDigits.FindStringSubmatch(key); m != nil && m[2] != "" {
		key = strings.TrimLeft(m[2], "_") + "_" + m[1]
	}
	if key == "" {
		key = "field"
	}
	return key
}

// UniqueKeynames 规范化字段名并保证结果唯一，冲突时追加序号
func UniqueKeynames(names []string) []string {
	used := make(map[string]bool, len(names))
	out := make([]string, len(names))
	for i, n := range names {
		key := NormalizeKeyname(n)
		if reservedKeys[key] {
			key += "_1"
		}
		candidate := key
		for seq := 1; used[candidate]; seq++ {
			candidate = key + "_" + strconv.Itoa(seq)
		}
		used[candidate] = true
		out[i] = candidate
	}
	return out
}

// uniqueNames 保证显示名称唯一
func uniqueNames(names []string) []string {
	used := make(map[string]bool, len(names))
	out := make([]string, len(names))
	for i, n := range names {
		if n == "" {
			n = "field"
		}
		candidate := n
		for seq := 1; used[candidate]; seq++ {
			candidate = n + " (" + strconv.Itoa(seq) + ")"
		}
		used[candidate] = true
		out[i] = candidate
	}
	return out
}

// buildFields 由原始字段名和类型生成字段列表
func buildFields(names []string, types []vlschema.FieldType) []FieldInfo {
	keys := UniqueKeynames(names)
	display := uniqueNames(names)
	fields := make([]FieldInfo, len(names))
	for i := range names {
		fields[i] = FieldInfo{Name: display[i], Keyname: keys[i], Type: types[i]}
	}
	return fields
}
