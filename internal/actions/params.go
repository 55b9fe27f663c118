package actions

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Params are decoded from model JSON, so numbers arrive as float64 and lists as []any.
type params map[string]any

func (p params) str(key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (p params) required(key string) (string, error) {
	v := p.str(key)
	if v == "" {
		return "", fmt.Errorf("param %q is required", key)
	}
	return v, nil
}

func (p params) integer(key string, def int) (int, error) {
	switch v := p[key].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("param %q must be an integer, got %v", key, v)
		}
		return int(v), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return def, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("param %q must be an integer: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("param %q has unsupported type %T", key, v)
	}
}

// timestamp accepts RFC3339 or "2006-01-02 15:04" in UTC.
func (p params) timestamp(key string) (*time.Time, error) {
	raw := p.str(key)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("param %q: cannot parse time %q", key, raw)
}

func (p params) list(key string) []string {
	var out []string
	switch v := p[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			out = append(out, s)
		}
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}
