package strategy

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind is the type of a strategy parameter.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindFloat
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// ParamSpec declares one parameter. Min and Max bound numeric kinds when
// HasBounds is set.
type ParamSpec struct {
	Name      string
	Kind      Kind
	Default   any
	Required  bool
	HasBounds bool
	Min       float64
	Max       float64
}

// Schema is the declared parameter set of a strategy.
type Schema []ParamSpec

// ParamError reports an invalid parameter set.
type ParamError struct {
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid strategy parameter %q: %s", e.Param, e.Reason)
}

// Params holds bound, typed parameter values.
type Params struct {
	values map[string]any
}

// Int returns an int parameter. It panics on undeclared names, which is a
// programming error in the strategy factory.
func (p Params) Int(name string) int {
	return p.values[name].(int)
}

// Float returns a float parameter.
func (p Params) Float(name string) float64 {
	return p.values[name].(float64)
}

// Bool returns a bool parameter.
func (p Params) Bool(name string) bool {
	return p.values[name].(bool)
}

// String returns a string parameter.
func (p Params) String(name string) string {
	return p.values[name].(string)
}

// Strings splits a comma separated string parameter.
func (p Params) Strings(name string) []string {
	raw := p.String(name)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Values returns a copy of every bound value.
func (p Params) Values() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Bind validates raw values against the schema, applies defaults and
// converts numbers to the declared kind. Unknown keys are rejected.
func (s Schema) Bind(raw map[string]any) (Params, error) {
	specs := make(map[string]ParamSpec, len(s))
	for _, spec := range s {
		specs[spec.Name] = spec
	}

	unknown := make([]string, 0)
	for k := range raw {
		if _, ok := specs[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Params{}, &ParamError{Param: unknown[0], Reason: "unknown parameter"}
	}

	values := make(map[string]any, len(s))
	for _, spec := range s {
		v, ok := raw[spec.Name]
		if !ok {
			if spec.Required {
				return Params{}, &ParamError{Param: spec.Name, Reason: "required"}
			}
			v = spec.Default
		}
		bound, err := coerce(spec, v)
		if err != nil {
			return Params{}, err
		}
		values[spec.Name] = bound
	}
	return Params{values: values}, nil
}

func coerce(spec ParamSpec, v any) (any, error) {
	bad := func(reason string) error {
		return &ParamError{Param: spec.Name, Reason: reason}
	}

	switch spec.Kind {
	case KindInt:
		f, ok := number(v)
		if !ok {
			return nil, bad(fmt.Sprintf("expected int, got %T", v))
		}
		if f != math.Trunc(f) {
			return nil, bad(fmt.Sprintf("expected int, got %g", f))
		}
		if spec.HasBounds && (f < spec.Min || f > spec.Max) {
			return nil, bad(fmt.Sprintf("%g outside [%g, %g]", f, spec.Min, spec.Max))
		}
		return int(f), nil
	case KindFloat:
		f, ok := number(v)
		if !ok {
			return nil, bad(fmt.Sprintf("expected float, got %T", v))
		}
		if spec.HasBounds && (f < spec.Min || f > spec.Max) {
			return nil, bad(fmt.Sprintf("%g outside [%g, %g]", f, spec.Min, spec.Max))
		}
		return f, nil
	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, bad(fmt.Sprintf("expected bool, got %q", b))
			}
			return parsed, nil
		}
		return nil, bad(fmt.Sprintf("expected bool, got %T", v))
	case KindString:
		str, ok := v.(string)
		if !ok {
			return nil, bad(fmt.Sprintf("expected string, got %T", v))
		}
		return str, nil
	default:
		return nil, bad("undeclared kind")
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
