package vectorlayer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/GrainArc/VectorLayer/vlschema"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

var timeLayouts = []string{"15:04:05.999999", timeLayout, "15:04"}

// coerceValue 按字段类型检查并转换写入值，nil 原样返回
func coerceValue(ft vlschema.FieldType, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch ft {
	case vlschema.Integer:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("value %d is out of integer range", n)
		}
		return int32(n), nil
	case vlschema.Bigint:
		return toInt64(v)
	case vlschema.Real:
		return toFloat64(v)
	case vlschema.String:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		case fmt.Stringer:
			return s.String(), nil
		}
	case vlschema.Date:
		switch s := v.(type) {
		case time.Time:
			return time.Date(s.Year(), s.Month(), s.Day(), 0, 0, 0, 0, time.UTC), nil
		case string:
			t, err := time.Parse(dateLayout, s)
			if err != nil {
				return nil, fmt.Errorf("invalid date %q", s)
			}
			return t, nil
		}
	case vlschema.Time:
		switch s := v.(type) {
		case time.Time:
			return s.Format(timeLayout), nil
		case string:
			t, err := parseAny(timeLayouts, s)
			if err != nil {
				return nil, fmt.Errorf("invalid time %q", s)
			}
			return t.Format(timeLayout), nil
		}
	case vlschema.Datetime:
		switch s := v.(type) {
		case time.Time:
			return s, nil
		case string:
			t, err := parseAny(datetimeLayouts, s)
			if err != nil {
				return nil, fmt.Errorf("invalid datetime %q", s)
			}
			return t, nil
		}
	default:
		return nil, fmt.Errorf("unsupported field type %q", ft)
	}
	return nil, fmt.Errorf("can't use %T value for %s field", v, ft)
}

func parseAny(layouts []string, s string) (time.Time, error) {
	var err error
	for _, l := range layouts {
		var t time.Time
		if t, err = time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, fmt.Errorf("value %d is out of range", n)
		}
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d is out of range", n)
		}
		return int64(n), nil
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		return n.Int64()
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("can't use %T value as integer", v)
}

func floatToInt(f float64) (int64, error) {
	if f != math.Trunc(f) || f < math.MinInt64 || f > math.MaxInt64 {
		return 0, fmt.Errorf("value %v is not an integer", f)
	}
	return int64(f), nil
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid real %q", n)
		}
		return f, nil
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, fmt.Errorf("can't use %T value as real", v)
	}
	return float64(i), nil
}

// normalizeValue 统一读取结果的Go类型：
// 整数为 int64，实数为 float64，字符串和时间为 string，日期和日期时间为 time.Time
func normalizeValue(ft vlschema.FieldType, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch ft {
	case vlschema.Integer, vlschema.Bigint:
		if n, err := toInt64(v); err == nil {
			return n
		}
	case vlschema.Real:
		if f, err := toFloat64(v); err == nil {
			return f
		}
	case vlschema.Time:
		switch t := v.(type) {
		case time.Time:
			return t.Format(timeLayout)
		case string:
			if p, err := parseAny(timeLayouts, t); err == nil {
				return p.Format(timeLayout)
			}
		}
	case vlschema.Date, vlschema.Datetime:
		if s, ok := v.(string); ok {
			if t, err := parseAny(append([]string{dateLayout}, datetimeLayouts...), s); err == nil {
				return t
			}
		}
	}
	return v
}
