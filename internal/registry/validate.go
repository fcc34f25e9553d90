package registry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var truthy = map[string]bool{"true": true, "1": true, "yes": true}

// ValidateInputs applies defaults, enforces required fields and coerces
// values to the manifest's declared types. Keys not declared in the
// manifest are dropped.
func ValidateInputs(m *Manifest, raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m.Inputs))

	for name, def := range m.Inputs {
		v, ok := raw[name]
		if !ok || v == nil {
			if def.Default != nil {
				v, ok = def.Default, true
			}
		}
		if !ok || v == nil {
			if def.Required {
				return nil, &ValidationError{Msg: fmt.Sprintf("input %q is required", name)}
			}
			continue
		}
		cv, err := coerce(name, def.Type, v)
		if err != nil {
			return nil, err
		}
		out[name] = cv
	}
	return out, nil
}

// ValidateSettings fills defaults and coerces declared settings.
// Settings are never required.
func ValidateSettings(m *Manifest, raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m.Settings))
	for name, def := range m.Settings {
		v, ok := raw[name]
		if !ok || v == nil {
			if def.Default == nil {
				continue
			}
			v = def.Default
		}
		cv, err := coerce(name, def.Type, v)
		if err != nil {
			return nil, err
		}
		out[name] = cv
	}
	return out, nil
}

func coerce(name, typ string, v any) (any, error) {
	switch typ {
	case "", "text":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil

	case "number":
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, &ValidationError{Msg: fmt.Sprintf("input %q: %q is not a number", name, n)}
			}
			return f, nil
		}

	case "integer":
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, &ValidationError{Msg: fmt.Sprintf("input %q: %v is not an integer", name, n)}
			}
			return int64(n), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
			if err != nil {
				return nil, &ValidationError{Msg: fmt.Sprintf("input %q: %q is not an integer", name, n)}
			}
			return i, nil
		}

	case "boolean":
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return truthy[strings.ToLower(strings.TrimSpace(b))], nil
		case float64:
			return b != 0, nil
		case int:
			return b != 0, nil
		}
	}
	return nil, &ValidationError{Msg: fmt.Sprintf("input %q: cannot coerce %T to %s", name, v, typ)}
}
