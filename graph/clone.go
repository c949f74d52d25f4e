package graph

import (
	"fmt"
	"reflect"
)

// Clone deep-copies v so mutations on either side stay invisible to the
// other. Primitives are preserved as-is, cyclic structures are handled
// with a reference map, and non-serializable values (functions, channels,
// unsafe pointers) are rejected with an error naming the offending type.
func Clone(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	seen := make(map[uintptr]reflect.Value)
	out, err := cloneValue(reflect.ValueOf(v), seen)
	if err != nil {
		return nil, err
	}
	return out.Interface(), nil
}

// CloneOutputs clones a node's output map under the effective policy.
// CloneNever passes the map through untouched; CloneAlways and
// CloneOnWrite both produce an isolated copy at delivery, since delivered
// values are shared across edges and any write would otherwise leak.
func CloneOutputs(outputs map[string]any, policy CloningPolicy) (map[string]any, error) {
	if outputs == nil {
		return nil, nil
	}
	if policy == CloneNever {
		return outputs, nil
	}
	cloned, err := Clone(outputs)
	if err != nil {
		return nil, err
	}
	return cloned.(map[string]any), nil
}

func cloneValue(v reflect.Value, seen map[uintptr]reflect.Value) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Invalid:
		return v, nil

	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128,
		reflect.String:
		return v, nil

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return reflect.Value{}, fmt.Errorf("graph: cannot clone non-serializable type %s", v.Type())

	case reflect.Interface:
		if v.IsNil() {
			return v, nil
		}
		elem, err := cloneValue(v.Elem(), seen)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(elem)
		return out, nil

	case reflect.Pointer:
		if v.IsNil() {
			return v, nil
		}
		addr := v.Pointer()
		if existing, ok := seen[addr]; ok {
			return existing, nil
		}
		out := reflect.New(v.Type().Elem())
		seen[addr] = out
		elem, err := cloneValue(v.Elem(), seen)
		if err != nil {
			return reflect.Value{}, err
		}
		out.Elem().Set(elem)
		return out, nil

	case reflect.Slice:
		if v.IsNil() {
			return v, nil
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			elem, err := cloneValue(v.Index(i), seen)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(elem)
		}
		return out, nil

	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			elem, err := cloneValue(v.Index(i), seen)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(elem)
		}
		return out, nil

	case reflect.Map:
		if v.IsNil() {
			return v, nil
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key, err := cloneValue(iter.Key(), seen)
			if err != nil {
				return reflect.Value{}, err
			}
			val, err := cloneValue(iter.Value(), seen)
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(key, val)
		}
		return out, nil

	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.NumField(); i++ {
			if !out.Field(i).CanSet() {
				// Unexported fields cannot be copied without unsafe
				// tricks; a type hiding state there is not a plain data
				// value.
				return reflect.Value{}, fmt.Errorf("graph: cannot clone %s: unexported field %s",
					v.Type(), v.Type().Field(i).Name)
			}
			field, err := cloneValue(v.Field(i), seen)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Field(i).Set(field)
		}
		return out, nil

	default:
		return reflect.Value{}, fmt.Errorf("graph: cannot clone type %s", v.Type())
	}
}
