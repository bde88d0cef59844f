package store

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

type fieldTag struct {
	name            string
	omitEmpty       bool
	serverTimestamp bool
}

func parseTag(f reflect.StructField) (fieldTag, bool) {
	tag, ok := f.Tag.Lookup("firestore")
	if tag == "-" {
		return fieldTag{}, false
	}
	ft := fieldTag{name: f.Name}
	if !ok {
		return ft, true
	}
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		ft.name = parts[0]
	}
	for _, opt := range parts[1:] {
		switch opt {
		case "omitempty":
			ft.omitEmpty = true
		case "serverTimestamp":
			ft.serverTimestamp = true
		}
	}
	return ft, true
}

// encode converts a struct, pointer to struct or map into the document
// representation used by Memory: map[string]any holding strings, bools,
// int64, float64, time.Time, []any, nested maps and sentinels.
func encode(data any) (map[string]any, error) {
	v, err := encodeValue(reflect.ValueOf(data))
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("store: cannot store %T as a document", data)
	}
	return m, nil
}

func encodeValue(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	switch val := v.Interface().(type) {
	case sentinel, increment:
		return val, nil
	case time.Time:
		return val, nil
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil, nil
		}
		return encodeValue(v.Elem())
	case reflect.String:
		return v.String(), nil
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(v.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, nil
		}
		out := make([]any, v.Len())
		for i := range out {
			e, err := encodeValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("store: map key must be a string, got %s", v.Type().Key())
		}
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			e, err := encodeValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = e
		}
		return out, nil
	case reflect.Struct:
		return encodeStruct(v)
	}
	return nil, fmt.Errorf("store: unsupported type %s", v.Type())
}

func encodeStruct(v reflect.Value) (map[string]any, error) {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, ok := parseTag(f)
		if !ok {
			continue
		}
		fv := v.Field(i)
		if tag.serverTimestamp && fv.Type() == timeType && fv.Interface().(time.Time).IsZero() {
			out[tag.name] = ServerTimestamp
			continue
		}
		if tag.omitEmpty && fv.IsZero() {
			continue
		}
		e, err := encodeValue(fv)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		out[tag.name] = e
	}
	return out, nil
}

// decode fills v (a non-nil pointer) from a document map.
func decode(data map[string]any, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("store: decode target must be a non-nil pointer, got %T", v)
	}
	return decodeValue(data, rv.Elem())
}

func decodeValue(src any, dst reflect.Value) error {
	if src == nil {
		dst.SetZero()
		return nil
	}
	if dst.Type() == timeType {
		t, ok := src.(time.Time)
		if !ok {
			return mismatch(src, dst)
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	}
	switch dst.Kind() {
	case reflect.Interface:
		dst.Set(reflect.ValueOf(src))
	case reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := decodeValue(src, elem.Elem()); err != nil {
			return err
		}
		dst.Set(elem)
	case reflect.String:
		s, ok := src.(string)
		if !ok {
			return mismatch(src, dst)
		}
		dst.SetString(s)
	case reflect.Bool:
		b, ok := src.(bool)
		if !ok {
			return mismatch(src, dst)
		}
		dst.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch n := src.(type) {
		case int64:
			dst.SetInt(n)
		case float64:
			dst.SetInt(int64(n))
		default:
			return mismatch(src, dst)
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := src.(int64)
		if !ok || n < 0 {
			return mismatch(src, dst)
		}
		dst.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		switch n := src.(type) {
		case float64:
			dst.SetFloat(n)
		case int64:
			dst.SetFloat(float64(n))
		default:
			return mismatch(src, dst)
		}
	case reflect.Slice:
		items, ok := src.([]any)
		if !ok {
			return mismatch(src, dst)
		}
		out := reflect.MakeSlice(dst.Type(), len(items), len(items))
		for i, item := range items {
			if err := decodeValue(item, out.Index(i)); err != nil {
				return err
			}
		}
		dst.Set(out)
	case reflect.Map:
		m, ok := src.(map[string]any)
		if !ok || dst.Type().Key().Kind() != reflect.String {
			return mismatch(src, dst)
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(m))
		for k, item := range m {
			elem := reflect.New(dst.Type().Elem()).Elem()
			if err := decodeValue(item, elem); err != nil {
				return err
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(dst.Type().Key()), elem)
		}
		dst.Set(out)
	case reflect.Struct:
		m, ok := src.(map[string]any)
		if !ok {
			return mismatch(src, dst)
		}
		t := dst.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			tag, ok := parseTag(f)
			if !ok {
				continue
			}
			item, present := m[tag.name]
			if !present {
				continue
			}
			if err := decodeValue(item, dst.Field(i)); err != nil {
				return fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
	default:
		return mismatch(src, dst)
	}
	return nil
}

func mismatch(src any, dst reflect.Value) error {
	return fmt.Errorf("store: cannot decode %T into %s", src, dst.Type())
}

// clone deep-copies a document value so callers never share maps with the store.
func clone(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = clone(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = clone(item)
		}
		return out
	}
	return v
}
