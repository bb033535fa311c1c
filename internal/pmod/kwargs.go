package pmod

import (
	"fmt"
	"strconv"
	"strings"
)

// Keyword arguments for MakeResponse arrive from three places: the
// operator CLI (everything is a string), the YAML config (typed scalars
// and lists), and the websocket gateway (JSON-decoded values). The
// helpers below coerce any of those shapes into what the encoders need.

func KwInt(kw map[string]any, name string, def int) (int, error) {
	v, ok := kw[name]
	if !ok {
		return def, nil
	}
	return asInt(name, v)
}

func KwFloat(kw map[string]any, name string, def float64) (float64, error) {
	v, ok := kw[name]
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%s: want float, got %T", name, v)
	}
}

func KwString(kw map[string]any, name, def string) (string, error) {
	v, ok := kw[name]
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case int, int64, float64, bool:
		return fmt.Sprint(t), nil
	default:
		return "", fmt.Errorf("%s: want string, got %T", name, v)
	}
}

// KwIntList expects exactly n elements. A bare string is split on
// commas so the value can be given as "1,2,3" on the command line.
func KwIntList(kw map[string]any, name string, def []int, n int) ([]int, error) {
	v, ok := kw[name]
	if !ok {
		return def, nil
	}
	var out []int
	switch t := v.(type) {
	case []int:
		out = t
	case []int64:
		for _, e := range t {
			out = append(out, int(e))
		}
	case []any:
		for _, e := range t {
			i, err := asInt(name, e)
			if err != nil {
				return nil, err
			}
			out = append(out, i)
		}
	case []string:
		for _, e := range t {
			i, err := asInt(name, e)
			if err != nil {
				return nil, err
			}
			out = append(out, i)
		}
	case string:
		for _, e := range strings.Split(t, ",") {
			i, err := asInt(name, strings.TrimSpace(e))
			if err != nil {
				return nil, err
			}
			out = append(out, i)
		}
	default:
		return nil, fmt.Errorf("%s: want list of ints, got %T", name, v)
	}
	if len(out) != n {
		return nil, fmt.Errorf("%s: want %d elements, got %d", name, n, len(out))
	}
	return out, nil
}

// KwStringList expects exactly n elements. A bare string is split on
// commas, same as KwIntList.
func KwStringList(kw map[string]any, name string, def []string, n int) ([]string, error) {
	v, ok := kw[name]
	if !ok {
		return def, nil
	}
	var out []string
	switch t := v.(type) {
	case []string:
		out = t
	case []any:
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				s = fmt.Sprint(e)
			}
			out = append(out, s)
		}
	case string:
		out = strings.Split(t, ",")
	default:
		return nil, fmt.Errorf("%s: want list of strings, got %T", name, v)
	}
	if len(out) != n {
		return nil, fmt.Errorf("%s: want %d elements, got %d", name, n, len(out))
	}
	return out, nil
}

// UnknownKwargs returns an error naming the first keyword that is not
// in the allowed set, so typos in operator commands surface clearly.
func UnknownKwargs(kw map[string]any, allowed ...string) error {
	for k := range kw {
		found := false
		for _, a := range allowed {
			if k == a {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unexpected keyword %q (allowed: %s)", k, strings.Join(allowed, ", "))
		}
	}
	return nil
}

func asInt(name string, v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		return int(t), nil
	case float64:
		if t != float64(int(t)) {
			return 0, fmt.Errorf("%s: %v is not an integer", name, t)
		}
		return int(t), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%s: want int, got %T", name, v)
	}
}
