// Package codec converts between the generic JSON form carried in callable
// envelopes and the values handlers work with.
//
// Decode accepts the Int64Value and UInt64Value tagged objects used by clients
// to carry integers that do not fit a JSON number. Encode never produces them.
package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/drblury/callflow/internal/runtime/jsoncodec"
)

// TimeLayout is the ISO-8601 layout used for encoded time values.
const TimeLayout = "2006-01-02T15:04:05.000Z"

const (
	typeKey  = "@type"
	valueKey = "value"
)

var (
	// Int64TypeURL tags a signed 64-bit integer carried as a decimal string.
	Int64TypeURL = typeURL(&wrapperspb.Int64Value{})
	// UInt64TypeURL tags an unsigned 64-bit integer carried as a decimal string.
	UInt64TypeURL = typeURL(&wrapperspb.UInt64Value{})
)

func typeURL(m proto.Message) string {
	packed, err := anypb.New(m)
	if err != nil {
		panic(fmt.Sprintf("codec: pack %T: %v", m, err))
	}
	return packed.GetTypeUrl()
}

// FormatError reports a value outside the codec's domain.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return "codec: " + e.Reason
	}
	return "codec: " + e.Path + ": " + e.Reason
}

func formatErr(path, format string, args ...any) *FormatError {
	return &FormatError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Decode walks a generic JSON value, replacing tagged integers with int64 or
// uint64. Any map carrying an "@type" key is treated as tagged.
func Decode(v any) (any, error) {
	return decode("", v)
}

func decode(path string, v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64:
		return t, nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, formatErr(path, "invalid number %q", t.String())
		}
		return f, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			d, err := decode(fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case map[string]any:
		if tag, tagged := t[typeKey]; tagged {
			return decodeTagged(path, tag, t[valueKey])
		}
		out := make(map[string]any, len(t))
		for _, key := range sortedKeys(t) {
			d, err := decode(join(path, key), t[key])
			if err != nil {
				return nil, err
			}
			out[key] = d
		}
		return out, nil
	default:
		return nil, formatErr(path, "unsupported value of type %T", v)
	}
}

func decodeTagged(path string, tag, value any) (any, error) {
	digits, ok := value.(string)
	if !ok {
		return nil, formatErr(path, "tagged value must be a string, got %T", value)
	}
	switch tag {
	case Int64TypeURL:
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil {
			return nil, formatErr(path, "invalid Int64Value %q", digits)
		}
		return n, nil
	case UInt64TypeURL:
		n, err := strconv.ParseUint(digits, 10, 64)
		if err != nil {
			return nil, formatErr(path, "invalid UInt64Value %q", digits)
		}
		return n, nil
	default:
		return nil, formatErr(path, "unsupported @type %v", tag)
	}
}

// Encode converts v into a value the JSON codec can write. Times become UTC
// ISO-8601 strings, map keys become strings, and structs or json.Marshaler
// values are lowered through their JSON form. Non-finite floats, functions,
// channels and complex numbers fail.
func Encode(v any) (any, error) {
	return encode("", reflect.ValueOf(v))
}

var (
	timeType      = reflect.TypeOf(time.Time{})
	marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
)

func encode(path string, rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}
	if rv.Type() == timeType {
		return EncodeTime(rv.Interface().(time.Time)), nil
	}
	if rv.Kind() == reflect.Pointer && rv.Type().Elem() == timeType {
		if rv.IsNil() {
			return nil, nil
		}
		return encode(path, rv.Elem())
	}
	if rv.Type().Implements(marshalerType) {
		if (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) && rv.IsNil() {
			return nil, nil
		}
		return lower(path, rv.Interface())
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, formatErr(path, "non-finite number %v", f)
		}
		return f, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return encode(path, rv.Elem())
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return lower(path, rv.Interface())
		}
		return encodeList(path, rv)
	case reflect.Array:
		return encodeList(path, rv)
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		return encodeMap(path, rv)
	case reflect.Struct:
		return lower(path, rv.Interface())
	default:
		return nil, formatErr(path, "no encoding for %s", rv.Type())
	}
}

func encodeList(path string, rv reflect.Value) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		e, err := encode(fmt.Sprintf("%s[%d]", path, i), rv.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

func encodeMap(path string, rv reflect.Value) (any, error) {
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key, err := mapKey(path, iter.Key())
		if err != nil {
			return nil, err
		}
		e, err := encode(join(path, key), iter.Value())
		if err != nil {
			return nil, err
		}
		out[key] = e
	}
	return out, nil
}

func mapKey(path string, k reflect.Value) (string, error) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10), nil
	case reflect.Bool:
		return strconv.FormatBool(k.Bool()), nil
	case reflect.Interface:
		if k.IsNil() {
			return "", formatErr(path, "nil map key")
		}
		return mapKey(path, k.Elem())
	}
	if s, ok := k.Interface().(fmt.Stringer); ok {
		return s.String(), nil
	}
	return "", formatErr(path, "unsupported map key type %s", k.Type())
}

// lower passes v through the JSON codec and encodes the generic result, so
// struct fields honour their json tags.
func lower(path string, v any) (any, error) {
	generic, err := jsoncodec.Lower(v)
	if err != nil {
		return nil, formatErr(path, "encode %T: %v", v, err)
	}
	return encode(path, reflect.ValueOf(generic))
}

// EncodeTime formats t as a UTC ISO-8601 string with millisecond precision.
func EncodeTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// DecodeTime parses a string produced by EncodeTime. RFC 3339 strings with an
// offset are accepted as well.
func DecodeTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, formatErr("", "invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
