package skill

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	xerrors "github.com/Don-Vicks/karen/internal/errors"
)

func stringParam(params map[string]any, name string, required bool) (string, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		if required {
			return "", xerrors.Newf(xerrors.CodeInvalidArgument, "missing parameter %q", name)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "parameter %q must be a string", name)
	}
	s = strings.TrimSpace(s)
	if s == "" && required {
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "missing parameter %q", name)
	}
	return s, nil
}

// numberParam 接受 JSON 数字、json.Number 以及数字字符串，只允许有限的非负数。
func numberParam(params map[string]any, name string, required bool, fallback float64) (float64, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		if required {
			return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "missing parameter %q", name)
		}
		return fallback, nil
	}
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "parameter %q must be a number", name)
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "parameter %q must be a number", name)
		}
		f = n
	default:
		return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "parameter %q must be a number", name)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "parameter %q must be a finite non-negative number", name)
	}
	return f, nil
}
