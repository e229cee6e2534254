package jsonx

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// DecodeError describes a schema mismatch while decoding into a Go type.
type DecodeError struct {
	Path string
	Msg  string
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Path == "" {
		return "json decode error: " + e.Msg
	}
	return fmt.Sprintf("json decode error at %s: %s", e.Path, e.Msg)
}

// Variant is implemented by one-of wrapper types. Arms returns pointers to
// the wrapper's arm fields (each a pointer field), in declaration order.
// The decoder selects the arm whose shape matches the input: for object
// input, the first struct arm whose required keys are all present; for
// other input kinds, the first arm of the matching kind. An arm whose type
// is itself a Variant matches any input that one of its own arms matches.
type Variant interface {
	VariantArms() []any
}

// ValueMarshaler lets a type control its JSON representation.
type ValueMarshaler interface {
	MarshalJSONValue() Value
}

// ValueUnmarshaler lets a type control its decoding.
type ValueUnmarshaler interface {
	UnmarshalJSONValue(Value) error
}

// Decode parses data and decodes it into out, which must be a non-nil
// pointer. Unknown object keys are ignored.
func Decode(data []byte, out any) error {
	v, err := Parse(data)
	if err != nil {
		return err
	}
	return DecodeValue(v, out)
}

// DecodeValue decodes an already-parsed Value into out.
func DecodeValue(v Value, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return &DecodeError{Msg: "target must be a non-nil pointer"}
	}
	return decodeInto(v, rv.Elem(), "$")
}

// Encode serializes a Go value built from the schema. Struct fields are
// written in declaration order; nil pointers and omitempty zero values are
// omitted.
func Encode(in any) ([]byte, error) {
	v, err := EncodeValue(in)
	if err != nil {
		return nil, err
	}
	return Serialize(v), nil
}

// EncodeValue converts a Go value into a Value.
func EncodeValue(in any) (Value, error) {
	if in == nil {
		return NewNull(), nil
	}
	return encodeFrom(reflect.ValueOf(in))
}

// --- struct schema cache ---

type fieldInfo struct {
	name      string
	index     []int
	omitEmpty bool
	required  bool
}

type structInfo struct {
	fields []fieldInfo
	byName map[string]*fieldInfo
}

var structCache sync.Map // reflect.Type -> *structInfo

func schemaOf(t reflect.Type) *structInfo {
	if cached, ok := structCache.Load(t); ok {
		return cached.(*structInfo)
	}
	info := &structInfo{byName: make(map[string]*fieldInfo)}
	collectFields(t, nil, info)
	for i := range info.fields {
		f := &info.fields[i]
		if _, dup := info.byName[f.name]; !dup {
			info.byName[f.name] = f
		}
	}
	structCache.Store(t, info)
	return info
}

func collectFields(t reflect.Type, index []int, info *structInfo) {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		// An untagged embedded struct of unexported type still promotes its
		// exported fields.
		if !sf.IsExported() && !(sf.Anonymous && name == "" && sf.Type.Kind() == reflect.Struct) {
			continue
		}

		if sf.Anonymous && name == "" {
			ft := sf.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectFields(ft, append(append([]int(nil), index...), i), info)
				continue
			}
		}

		if name == "" {
			name = sf.Name
		}
		omitEmpty := strings.Contains(","+opts+",", ",omitempty,")
		info.fields = append(info.fields, fieldInfo{
			name:      name,
			index:     append(append([]int(nil), index...), i),
			omitEmpty: omitEmpty,
			required:  sf.Type.Kind() != reflect.Pointer && !omitEmpty,
		})
	}
}

// fieldByIndex walks an index path, allocating intermediate nil pointers.
func fieldByIndex(v reflect.Value, index []int) reflect.Value {
	for _, i := range index {
		if v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(i)
	}
	return v
}

// --- decoding ---

var (
	variantType     = reflect.TypeOf((*Variant)(nil)).Elem()
	unmarshalerType = reflect.TypeOf((*ValueUnmarshaler)(nil)).Elem()
	marshalerType   = reflect.TypeOf((*ValueMarshaler)(nil)).Elem()
	valueType       = reflect.TypeOf(Value{})
)

func decodeInto(v Value, dst reflect.Value, path string) error {
	t := dst.Type()

	// Custom decoders first.
	if reflect.PointerTo(t).Implements(unmarshalerType) {
		return dst.Addr().Interface().(ValueUnmarshaler).UnmarshalJSONValue(v)
	}
	if t == valueType {
		dst.Set(reflect.ValueOf(v))
		return nil
	}
	if reflect.PointerTo(t).Implements(variantType) && t.Kind() == reflect.Struct {
		if v.kind == Null || v.kind == Invalid {
			dst.SetZero()
			return nil
		}
		return decodeVariant(v, dst, path)
	}

	// JSON null leaves the target at its zero value, whatever its type.
	if v.kind == Null && t.Kind() != reflect.Pointer {
		dst.SetZero()
		return nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		if v.kind == Null || v.kind == Invalid {
			dst.SetZero()
			return nil
		}
		if dst.IsNil() {
			dst.Set(reflect.New(t.Elem()))
		}
		return decodeInto(v, dst.Elem(), path)

	case reflect.Bool:
		if v.kind != Bool {
			return &DecodeError{Path: path, Msg: "expected bool, got " + v.kind.String()}
		}
		dst.SetBool(v.b)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v.kind != Number {
			return &DecodeError{Path: path, Msg: "expected number, got " + v.kind.String()}
		}
		dst.SetInt(v.Int())
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if v.kind != Number {
			return &DecodeError{Path: path, Msg: "expected number, got " + v.kind.String()}
		}
		dst.SetUint(uint64(v.Int()))
		return nil

	case reflect.Float32, reflect.Float64:
		if v.kind != Number {
			return &DecodeError{Path: path, Msg: "expected number, got " + v.kind.String()}
		}
		dst.SetFloat(v.Float())
		return nil

	case reflect.String:
		if v.kind != String {
			return &DecodeError{Path: path, Msg: "expected string, got " + v.kind.String()}
		}
		dst.SetString(v.s)
		return nil

	case reflect.Slice:
		if v.kind == Null || v.kind == Invalid {
			dst.SetZero()
			return nil
		}
		if v.kind != Array {
			return &DecodeError{Path: path, Msg: "expected array, got " + v.kind.String()}
		}
		out := reflect.MakeSlice(t, len(v.arr), len(v.arr))
		for i, elem := range v.arr {
			if err := decodeInto(elem, out.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil

	case reflect.Map:
		if v.kind == Null || v.kind == Invalid {
			dst.SetZero()
			return nil
		}
		if v.kind != Object {
			return &DecodeError{Path: path, Msg: "expected object, got " + v.kind.String()}
		}
		if t.Key().Kind() != reflect.String {
			return &DecodeError{Path: path, Msg: "unsupported map key type " + t.Key().String()}
		}
		out := reflect.MakeMapWithSize(t, len(v.obj))
		for _, m := range v.obj {
			mv := reflect.New(t.Elem()).Elem()
			if err := decodeInto(m.Value, mv, path+"."+m.Key); err != nil {
				return err
			}
			out.SetMapIndex(reflect.ValueOf(m.Key).Convert(t.Key()), mv)
		}
		dst.Set(out)
		return nil

	case reflect.Struct:
		if v.kind != Object {
			return &DecodeError{Path: path, Msg: "expected object, got " + v.kind.String()}
		}
		info := schemaOf(t)
		for _, m := range v.obj {
			f, ok := info.byName[m.Key]
			if !ok {
				continue // tolerate unknown keys
			}
			fv := fieldByIndex(dst, f.index)
			if err := decodeInto(m.Value, fv, path+"."+m.Key); err != nil {
				return err
			}
		}
		return nil

	case reflect.Interface:
		if t.NumMethod() != 0 {
			return &DecodeError{Path: path, Msg: "unsupported interface type " + t.String()}
		}
		if converted := toAny(v); converted != nil {
			dst.Set(reflect.ValueOf(converted))
		} else {
			dst.SetZero()
		}
		return nil
	}

	return &DecodeError{Path: path, Msg: "unsupported target type " + t.String()}
}

// toAny converts a Value to untyped Go data for `any` targets.
func toAny(v Value) any {
	switch v.kind {
	case Bool:
		return v.b
	case Number:
		if v.isInt {
			return v.i
		}
		return v.f
	case String:
		return v.s
	case Array:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = toAny(e)
		}
		return out
	case Object:
		out := make(map[string]any, len(v.obj))
		for _, m := range v.obj {
			out[m.Key] = toAny(m.Value)
		}
		return out
	default:
		return nil
	}
}

// --- variant dispatch ---

type armInfo struct {
	kind     reflect.Kind // element kind under the arm's pointer
	required []string     // required keys for struct arms
	nested   []armInfo    // arms of an arm that is itself a Variant
}

var armCache sync.Map // reflect.Type (wrapper) -> []armInfo

func armsOf(wrapper reflect.Value) []armInfo {
	t := wrapper.Type()
	if cached, ok := armCache.Load(t); ok {
		return cached.([]armInfo)
	}

	arms := wrapper.Addr().Interface().(Variant).VariantArms()
	infos := make([]armInfo, len(arms))
	for i, arm := range arms {
		// arm is **T: pointer to the wrapper's *T field.
		elem := reflect.TypeOf(arm).Elem().Elem()
		info := armInfo{kind: elem.Kind()}
		if elem.Kind() == reflect.Struct && reflect.PointerTo(elem).Implements(variantType) {
			info.nested = armsOf(reflect.New(elem).Elem())
		} else if elem.Kind() == reflect.Struct && elem != valueType {
			schema := schemaOf(elem)
			for _, f := range schema.fields {
				if f.required {
					info.required = append(info.required, f.name)
				}
			}
		}
		infos[i] = info
	}
	armCache.Store(t, infos)
	return infos
}

func decodeVariant(v Value, dst reflect.Value, path string) error {
	arms := dst.Addr().Interface().(Variant).VariantArms()
	infos := armsOf(dst)

	// Reset all arms so re-decoding a reused wrapper starts clean.
	for _, arm := range arms {
		reflect.ValueOf(arm).Elem().SetZero()
	}

	var misses []string
	for i, arm := range arms {
		info := infos[i]
		if !armMatches(v, info) {
			if v.kind == Object && info.kind == reflect.Struct && len(info.nested) == 0 {
				misses = append(misses, fmt.Sprintf("%s missing %s",
					reflect.TypeOf(arm).Elem().Elem().Name(),
					strings.Join(missingKeys(v, info.required), ", ")))
			}
			continue
		}
		armPtr := reflect.ValueOf(arm).Elem() // the wrapper's *T field
		armPtr.Set(reflect.New(armPtr.Type().Elem()))
		return decodeInto(v, armPtr.Elem(), path)
	}

	msg := "no variant arm matches " + v.kind.String() + " input"
	if len(misses) > 0 {
		msg += " (" + strings.Join(misses, "; ") + ")"
	}
	return &DecodeError{Path: path, Msg: msg}
}

func armMatches(v Value, info armInfo) bool {
	if len(info.nested) > 0 {
		for _, n := range info.nested {
			if armMatches(v, n) {
				return true
			}
		}
		return false
	}
	switch v.kind {
	case Object:
		if info.kind != reflect.Struct && info.kind != reflect.Map {
			return false
		}
		for _, key := range info.required {
			if !v.Has(key) {
				return false
			}
		}
		return true
	case Array:
		return info.kind == reflect.Slice
	case String:
		return info.kind == reflect.String
	case Number:
		switch info.kind {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
		return false
	case Bool:
		return info.kind == reflect.Bool
	default:
		return false
	}
}

func missingKeys(v Value, required []string) []string {
	var missing []string
	for _, key := range required {
		if !v.Has(key) {
			missing = append(missing, key)
		}
	}
	return missing
}

// --- encoding ---

func encodeFrom(rv reflect.Value) (Value, error) {
	t := rv.Type()

	if rv.CanInterface() {
		if m, ok := rv.Interface().(ValueMarshaler); ok {
			if t.Kind() != reflect.Pointer || !rv.IsNil() {
				return m.MarshalJSONValue(), nil
			}
		}
	}
	if t == valueType {
		return rv.Interface().(Value), nil
	}
	if t.Kind() != reflect.Pointer && rv.CanAddr() {
		if m, ok := rv.Addr().Interface().(ValueMarshaler); ok {
			return m.MarshalJSONValue(), nil
		}
	}
	if t.Kind() == reflect.Struct && reflect.PointerTo(t).Implements(variantType) {
		if !rv.CanAddr() {
			tmp := reflect.New(t).Elem()
			tmp.Set(rv)
			rv = tmp
		}
		return encodeVariant(rv)
	}

	switch t.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return NewNull(), nil
		}
		return encodeFrom(rv.Elem())

	case reflect.Bool:
		return NewBool(rv.Bool()), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return NewInt(rv.Int()), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return NewInt(int64(rv.Uint())), nil

	case reflect.Float32, reflect.Float64:
		return NewFloat(rv.Float()), nil

	case reflect.String:
		return NewString(rv.String()), nil

	case reflect.Slice, reflect.Array:
		if t.Kind() == reflect.Slice && rv.IsNil() {
			return NewNull(), nil
		}
		out := Value{kind: Array, arr: make([]Value, rv.Len())}
		for i := 0; i < rv.Len(); i++ {
			elem, err := encodeFrom(rv.Index(i))
			if err != nil {
				return Value{}, err
			}
			out.arr[i] = elem
		}
		return out, nil

	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("jsonx: unsupported map key type %s", t.Key())
		}
		keys := make([]string, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			keys = append(keys, iter.Key().String())
		}
		sort.Strings(keys)
		out := Value{kind: Object, obj: make([]Member, 0, len(keys))}
		for _, k := range keys {
			mv, err := encodeFrom(rv.MapIndex(reflect.ValueOf(k).Convert(t.Key())))
			if err != nil {
				return Value{}, err
			}
			out.obj = append(out.obj, Member{Key: k, Value: mv})
		}
		return out, nil

	case reflect.Struct:
		info := schemaOf(t)
		out := Value{kind: Object, obj: make([]Member, 0, len(info.fields))}
		for i := range info.fields {
			f := &info.fields[i]
			fv, err := encodeFieldByIndex(rv, f.index)
			if err != nil {
				continue // nil along the embedded path: treat as absent
			}
			if f.omitEmpty && fv.IsZero() {
				continue
			}
			if fv.Kind() == reflect.Pointer && fv.IsNil() {
				continue
			}
			mv, encErr := encodeFrom(fv)
			if encErr != nil {
				return Value{}, encErr
			}
			out.obj = append(out.obj, Member{Key: f.name, Value: mv})
		}
		return out, nil
	}

	return Value{}, fmt.Errorf("jsonx: unsupported type %s", t)
}

func encodeFieldByIndex(v reflect.Value, index []int) (reflect.Value, error) {
	for _, i := range index {
		if v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return reflect.Value{}, fmt.Errorf("nil embedded pointer")
			}
			v = v.Elem()
		}
		v = v.Field(i)
	}
	return v, nil
}

func encodeVariant(rv reflect.Value) (Value, error) {
	arms := rv.Addr().Interface().(Variant).VariantArms()
	for _, arm := range arms {
		armPtr := reflect.ValueOf(arm).Elem()
		if !armPtr.IsNil() {
			return encodeFrom(armPtr.Elem())
		}
	}
	return NewNull(), nil
}
