package storage

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// NormalizeKey converts a key or attribute value to a trimmed display form
// (e.g. "APN-001" or "8429529") for log lines and lookups that ignore
// surrounding blanks. Grouping and dedupe use IdentityKey.
//
// Backends return keys as int64, float64, string or []byte depending on the
// column type and driver; integral floats normalize like integers so a key read
// as 12.0 from one source matches 12 from another.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// IdentityKey returns the exact identity of a key or written value. Unlike
// NormalizeKey nothing is trimmed, "" is a value of its own and nil maps to
// the empty identity, which sorts first. Integral floats share the identity
// of the equal integer.
func IdentityKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return "s:" + t
	case []byte:
		return "s:" + string(t)
	case int64:
		return "n:" + strconv.FormatInt(t, 10)
	case int:
		return "n:" + strconv.Itoa(t)
	case int32:
		return "n:" + strconv.FormatInt(int64(t), 10)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return "n:" + strconv.FormatInt(int64(t), 10)
		}
		return "f:" + strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return "b:" + strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}

// UniqueKeys drops nil and duplicate keys (by IdentityKey), keeping first
// occurrence, and returns the rest sorted by identity. Empty strings are keys
// like any other.
func UniqueKeys(keys []any) []any {
	seen := make(map[string]any, len(keys))
	order := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == nil {
			continue
		}
		ik := IdentityKey(k)
		if _, ok := seen[ik]; ok {
			continue
		}
		seen[ik] = k
		order = append(order, ik)
	}
	sort.Strings(order)
	out := make([]any, 0, len(order))
	for _, ik := range order {
		out = append(out, seen[ik])
	}
	return out
}
