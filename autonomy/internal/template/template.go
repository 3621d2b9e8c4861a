// Package template resolves dotted paths and {{ path }} placeholders against
// an execution context tree.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

var ErrUnresolved = errors.New("unresolved template path")

// Mode selects how missing paths render.
type Mode int

const (
	// Lenient renders missing paths as an empty string.
	Lenient Mode = iota
	// Strict fails with ErrUnresolved on the first missing path.
	Strict
)

var placeholder = regexp.MustCompile(`\{\{(.+?)\}\}`)

// Resolve walks root along a dotted path. Map keys are matched by name and
// numeric segments index slices. found is false when any segment is missing.
func Resolve(root any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	cur := reflect.ValueOf(root)
	for _, seg := range strings.Split(path, ".") {
		cur = indirect(cur)
		if !cur.IsValid() {
			return nil, false
		}
		switch cur.Kind() {
		case reflect.Map:
			if cur.Type().Key().Kind() != reflect.String {
				return nil, false
			}
			next := cur.MapIndex(reflect.ValueOf(seg).Convert(cur.Type().Key()))
			if !next.IsValid() {
				return nil, false
			}
			cur = next
		case reflect.Slice, reflect.Array:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= cur.Len() {
				return nil, false
			}
			cur = cur.Index(i)
		default:
			return nil, false
		}
	}
	cur = indirect(cur)
	if !cur.IsValid() {
		return nil, true
	}
	return cur.Interface(), true
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// Expression extracts the path of the first placeholder in s.
func Expression(s string) (string, bool) {
	m := placeholder.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// Render replaces every placeholder in s with the resolved value.
func Render(s string, root any, mode Mode) (string, error) {
	var firstErr error
	out := placeholder.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		v, ok := Resolve(root, path)
		if !ok {
			if mode == Strict && firstErr == nil {
				firstErr = fmt.Errorf("%w: %s", ErrUnresolved, path)
			}
			return ""
		}
		return Stringify(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// RenderValue renders every string inside v, descending into maps and slices.
func RenderValue(v any, root any, mode Mode) (any, error) {
	switch vv := v.(type) {
	case string:
		return Render(vv, root, mode)
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, elem := range vv {
			r, err := RenderValue(elem, root, mode)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(vv))
		for i, elem := range vv {
			r, err := RenderValue(elem, root, mode)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

// Stringify formats a resolved value for interpolation. nil renders empty;
// maps and slices render as JSON.
func Stringify(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case string:
		return vv
	case float64:
		return strconv.FormatFloat(vv, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(vv), 'f', -1, 32)
	case json.Number:
		return vv.String()
	case fmt.Stringer:
		return vv.String()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}
