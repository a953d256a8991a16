package event

import (
	"encoding"
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// MaxDepth is the nesting depth at which [Sanitize] stops descending and
// substitutes a marker string.
const MaxDepth = 20

var (
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	errorType         = reflect.TypeOf((*error)(nil)).Elem()
)

// Sanitize converts an arbitrary Go value into a JSON-encodable shape. It is
// total: it never panics and never fails, whatever the input.
//
// Rules, in order of precedence:
//   - nil stays nil
//   - byte slices become base64 strings
//   - error values become their message
//   - values implementing [encoding.TextMarshaler] (timestamps, UUIDs,
//     decimals) become their text form
//   - NaN and infinities become their string form, since JSON cannot carry them
//   - channels, funcs and other opaque kinds become "<unserializable:T>"
//   - a value re-encountered on the current descent path becomes
//     "<circular_ref:T>"
//   - nesting beyond [MaxDepth] becomes "<max_depth_exceeded>"
//
// Maps, slices, arrays and structs are walked recursively; struct fields
// honor json tags and unexported fields are skipped.
func Sanitize(v any) any {
	return sanitize(reflect.ValueOf(v), make(map[uintptr]struct{}), 0)
}

func sanitize(rv reflect.Value, seen map[uintptr]struct{}, depth int) any {
	if !rv.IsValid() {
		return nil
	}
	if depth > MaxDepth {
		return "<max_depth_exceeded>"
	}
	for rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	t := rv.Type()

	if rv.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
		if rv.IsNil() {
			return nil
		}
		return base64.StdEncoding.EncodeToString(rv.Bytes())
	}

	if rv.Kind() != reflect.Pointer || !rv.IsNil() {
		if t.Implements(errorType) {
			return rv.Interface().(error).Error()
		}
		if t.Implements(textMarshalerType) {
			b, err := rv.Interface().(encoding.TextMarshaler).MarshalText()
			if err != nil {
				return fmt.Sprintf("<unserializable:%s>", t)
			}
			return string(b)
		}
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Sprintf("%v", f)
		}
		return f
	case reflect.String:
		return rv.String()
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return fmt.Sprintf("<circular_ref:%s>", t)
		}
		seen[ptr] = struct{}{}
		out := sanitize(rv.Elem(), seen, depth)
		delete(seen, ptr)
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				return nil
			}
			if ptr := rv.Pointer(); ptr != 0 {
				if _, ok := seen[ptr]; ok {
					return fmt.Sprintf("<circular_ref:%s>", t)
				}
				seen[ptr] = struct{}{}
				defer delete(seen, ptr)
			}
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = sanitize(rv.Index(i), seen, depth+1)
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			return fmt.Sprintf("<circular_ref:%s>", t)
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key())] = sanitize(iter.Value(), seen, depth+1)
		}
		return out
	case reflect.Struct:
		out := make(map[string]any, t.NumField())
		for i := range t.NumField() {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("json"); ok {
				tagName, _, _ := strings.Cut(tag, ",")
				if tagName == "-" {
					continue
				}
				if tagName != "" {
					name = tagName
				}
			}
			out[name] = sanitize(rv.Field(i), seen, depth+1)
		}
		return out
	}
	return fmt.Sprintf("<unserializable:%s>", t)
}

// mapKey renders a map key as a string. Non-string keys are stringified so
// that sanitized maps always encode as JSON objects.
func mapKey(rv reflect.Value) string {
	for rv.Kind() == reflect.Interface && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	if rv.CanInterface() {
		if s, ok := rv.Interface().(fmt.Stringer); ok {
			return s.String()
		}
		return fmt.Sprint(rv.Interface())
	}
	return rv.String()
}
