package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// DataSnapshot is the persisted form of a task or workflow data map. Every
// value is written as {"k": kind, "v": payload} so integers, floats and the
// other scalar types produced by expressions come back with their Go type.
type DataSnapshot map[string]any

// Value kinds written into snapshots.
const (
	kindNull     = "null"
	kindBool     = "bool"
	kindString   = "string"
	kindInt      = "int"
	kindInt32    = "int32"
	kindInt64    = "int64"
	kindUint     = "uint"
	kindUint64   = "uint64"
	kindFloat32  = "float32"
	kindFloat64  = "float64"
	kindBytes    = "bytes"
	kindTime     = "time"
	kindDuration = "duration"
	kindList     = "list"
	kindMap      = "map"
)

type typedValue struct {
	Kind    string          `json:"k"`
	Payload json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (d DataSnapshot) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return encodeMap(d)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *DataSnapshot) UnmarshalJSON(raw []byte) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		*d = nil
		return nil
	}
	m, err := decodeMap(raw)
	if err != nil {
		return err
	}
	*d = m
	return nil
}

func encodeMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := encodeValue(m[k])
		if err != nil {
			return nil, fmt.Errorf("data %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeValue(v any) ([]byte, error) {
	var (
		kind    string
		payload []byte
		err     error
	)
	switch tv := v.(type) {
	case nil:
		kind = kindNull
	case bool:
		kind, payload = kindBool, []byte(strconv.FormatBool(tv))
	case string:
		kind = kindString
		payload, err = json.Marshal(tv)
	case int:
		kind, payload = kindInt, []byte(strconv.FormatInt(int64(tv), 10))
	case int32:
		kind, payload = kindInt32, []byte(strconv.FormatInt(int64(tv), 10))
	case int64:
		kind, payload = kindInt64, []byte(strconv.FormatInt(tv, 10))
	case uint:
		kind, payload = kindUint, []byte(strconv.FormatUint(uint64(tv), 10))
	case uint64:
		kind, payload = kindUint64, []byte(strconv.FormatUint(tv, 10))
	case float32:
		// Floats are quoted so NaN and infinities survive.
		kind, payload = kindFloat32, []byte(strconv.Quote(strconv.FormatFloat(float64(tv), 'g', -1, 32)))
	case float64:
		kind, payload = kindFloat64, []byte(strconv.Quote(strconv.FormatFloat(tv, 'g', -1, 64)))
	case []byte:
		kind = kindBytes
		payload, err = json.Marshal(tv)
	case time.Time:
		kind = kindTime
		payload, err = json.Marshal(tv.Format(time.RFC3339Nano))
	case time.Duration:
		kind, payload = kindDuration, []byte(strconv.FormatInt(int64(tv), 10))
	case []any:
		kind = kindList
		payload, err = encodeList(tv)
	case map[string]any:
		kind = kindMap
		payload, err = encodeMap(tv)
	case DataSnapshot:
		kind = kindMap
		payload, err = encodeMap(tv)
	default:
		// Other types are stored as their plain JSON form.
		generic, gerr := toGeneric(v)
		if gerr != nil {
			return nil, gerr
		}
		return encodeValue(generic)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(typedValue{Kind: kind, Payload: payload})
}

func encodeList(list []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, item := range list {
		if i > 0 {
			buf.WriteByte(',')
		}
		val, err := encodeValue(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		buf.Write(val)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// toGeneric converts v to the map/slice/float64 tree encoding/json decodes
// into.
func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported data value of type %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeMap(raw []byte) (map[string]any, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(fields))
	for k, field := range fields {
		v, err := decodeValue(field)
		if err != nil {
			return nil, fmt.Errorf("data %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func decodeValue(raw []byte) (any, error) {
	var tv typedValue
	if err := json.Unmarshal(raw, &tv); err != nil {
		return nil, err
	}
	p := string(tv.Payload)

	switch tv.Kind {
	case kindNull:
		return nil, nil
	case kindBool:
		return strconv.ParseBool(p)
	case kindString:
		var s string
		err := json.Unmarshal(tv.Payload, &s)
		return s, err
	case kindInt:
		n, err := strconv.ParseInt(p, 10, strconv.IntSize)
		return int(n), err
	case kindInt32:
		n, err := strconv.ParseInt(p, 10, 32)
		return int32(n), err
	case kindInt64:
		return strconv.ParseInt(p, 10, 64)
	case kindUint:
		n, err := strconv.ParseUint(p, 10, strconv.IntSize)
		return uint(n), err
	case kindUint64:
		return strconv.ParseUint(p, 10, 64)
	case kindFloat32, kindFloat64:
		s, err := strconv.Unquote(p)
		if err != nil {
			return nil, err
		}
		if tv.Kind == kindFloat32 {
			f, err := strconv.ParseFloat(s, 32)
			return float32(f), err
		}
		return strconv.ParseFloat(s, 64)
	case kindBytes:
		var b []byte
		err := json.Unmarshal(tv.Payload, &b)
		return b, err
	case kindTime:
		var s string
		if err := json.Unmarshal(tv.Payload, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case kindDuration:
		n, err := strconv.ParseInt(p, 10, 64)
		return time.Duration(n), err
	case kindList:
		var items []json.RawMessage
		if err := json.Unmarshal(tv.Payload, &items); err != nil {
			return nil, err
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			v, err := decodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out = append(out, v)
		}
		return out, nil
	case kindMap:
		return decodeMap(tv.Payload)
	default:
		return nil, fmt.Errorf("unknown value kind %q", tv.Kind)
	}
}
