package bencode

import (
	"fmt"
	"reflect"
	"sort"
)

// Marshal encodes v, a struct (or pointer to struct) whose exported
// fields carry `bencode:"name[,omitempty]"` tags, the same tag shape
// used by this codebase's krpc.Msg and by the zeebo/bencode-tagged
// structs in the reference metainfo reader this package's RawMessage
// handling is modeled on. A field tagged "-" is skipped. Map values of
// type map[string]Value and fields of type RawMessage are supported
// directly, letting a struct keep a sub-dictionary's original bytes
// untouched.
func Marshal(v interface{}) ([]byte, error) {
	val, err := marshalValue(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return Encode(val.Sorted())
}

func marshalValue(rv reflect.Value) (Value, error) {
	if rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return Value{}, fmt.Errorf("bencode: cannot marshal nil")
		}
		rv = rv.Elem()
	}
	if rm, ok := rv.Interface().(RawMessage); ok {
		return DecodeAll(rm)
	}
	if bv, ok := rv.Interface().(Value); ok {
		return bv, nil
	}
	switch rv.Kind() {
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Int(int64(rv.Uint())), nil
	case reflect.Bool:
		if rv.Bool() {
			return Int(1), nil
		}
		return Int(0), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return Bytes(rv.Bytes()), nil
		}
		items := make([]Value, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := marshalValue(rv.Index(i))
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items), nil
	case reflect.Struct:
		return marshalStruct(rv)
	case reflect.Map:
		return marshalMap(rv)
	default:
		return Value{}, fmt.Errorf("bencode: cannot marshal kind %s", rv.Kind())
	}
}

func marshalStruct(rv reflect.Value) (Value, error) {
	t := rv.Type()
	var entries []DictEntry
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported
		}
		tag := f.Tag.Get("bencode")
		name, omitempty := parseTag(tag)
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fv := rv.Field(i)
		if omitempty && isEmptyValue(fv) {
			continue
		}
		if fv.Kind() == reflect.Ptr && fv.IsNil() {
			continue
		}
		v, err := marshalValue(fv)
		if err != nil {
			return Value{}, fmt.Errorf("bencode: field %s: %w", f.Name, err)
		}
		entries = append(entries, DictEntry{Key: name, Value: v})
	}
	return Dict(entries), nil
}

func marshalMap(rv reflect.Value) (Value, error) {
	keys := rv.MapKeys()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = fmt.Sprintf("%v", k.Interface())
	}
	sort.Strings(names)
	entries := make([]DictEntry, 0, len(keys))
	for _, name := range names {
		for _, k := range keys {
			if fmt.Sprintf("%v", k.Interface()) == name {
				v, err := marshalValue(rv.MapIndex(k))
				if err != nil {
					return Value{}, err
				}
				entries = append(entries, DictEntry{Key: name, Value: v})
				break
			}
		}
	}
	return Dict(entries), nil
}

func parseTag(tag string) (name string, omitempty bool) {
	if tag == "" {
		return "", false
	}
	parts := []string{tag}
	for i, c := range tag {
		if c == ',' {
			parts = []string{tag[:i], tag[i+1:]}
			break
		}
	}
	name = parts[0]
	if len(parts) > 1 && parts[1] == "omitempty" {
		omitempty = true
	}
	return
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String:
		return v.Len() == 0
	case reflect.Slice, reflect.Map:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

// Unmarshal decodes bencoded data b into v, a pointer to a struct
// tagged the same way Marshal expects.
func Unmarshal(b []byte, v interface{}) error {
	val, err := DecodeAll(b)
	if err != nil {
		return err
	}
	return unmarshalValue(val, reflect.ValueOf(v))
}

func unmarshalValue(src Value, rv reflect.Value) error {
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("bencode: Unmarshal target must be a non-nil pointer")
	}
	elem := rv.Elem()
	if elem.Type() == reflect.TypeOf(RawMessage{}) {
		raw, err := Encode(src)
		if err != nil {
			return err
		}
		elem.SetBytes(raw)
		return nil
	}
	switch elem.Kind() {
	case reflect.String:
		s, err := src.Str()
		if err != nil {
			return err
		}
		elem.SetString(s)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := src.IntVal()
		if err != nil {
			return err
		}
		elem.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := src.IntVal()
		if err != nil {
			return err
		}
		elem.SetUint(uint64(n))
		return nil
	case reflect.Bool:
		n, err := src.IntVal()
		if err != nil {
			return err
		}
		elem.SetBool(n != 0)
		return nil
	case reflect.Slice:
		if elem.Type().Elem().Kind() == reflect.Uint8 {
			raw, err := src.RawBytes()
			if err != nil {
				return err
			}
			elem.SetBytes(append([]byte(nil), raw...))
			return nil
		}
		items, err := src.ListVal()
		if err != nil {
			return err
		}
		out := reflect.MakeSlice(elem.Type(), len(items), len(items))
		for i, item := range items {
			if err := unmarshalValue(item, out.Index(i).Addr()); err != nil {
				return err
			}
		}
		elem.Set(out)
		return nil
	case reflect.Ptr:
		newVal := reflect.New(elem.Type().Elem())
		if err := unmarshalValue(src, newVal); err != nil {
			return err
		}
		elem.Set(newVal)
		return nil
	case reflect.Struct:
		return unmarshalStruct(src, elem)
	case reflect.Map:
		return unmarshalMap(src, elem)
	default:
		return fmt.Errorf("bencode: cannot unmarshal into kind %s", elem.Kind())
	}
}

func unmarshalMap(src Value, rv reflect.Value) error {
	if src.Kind() != KindDict {
		return ErrTypeMismatch
	}
	entries, err := src.DictVal()
	if err != nil {
		return err
	}
	out := reflect.MakeMapWithSize(rv.Type(), len(entries))
	for _, e := range entries {
		keyVal := reflect.New(rv.Type().Key()).Elem()
		keyVal.SetString(e.Key)
		elemVal := reflect.New(rv.Type().Elem())
		if err := unmarshalValue(e.Value, elemVal); err != nil {
			return err
		}
		out.SetMapIndex(keyVal, elemVal.Elem())
	}
	rv.Set(out)
	return nil
}

func unmarshalStruct(src Value, rv reflect.Value) error {
	if src.Kind() != KindDict {
		return ErrTypeMismatch
	}
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		name, _ := parseTag(f.Tag.Get("bencode"))
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		v, ok := src.Get(name)
		if !ok {
			continue
		}
		if err := unmarshalValue(v, rv.Field(i).Addr()); err != nil {
			return fmt.Errorf("bencode: field %s: %w", f.Name, err)
		}
	}
	return nil
}
