package ingest

import (
	"bytes"
	"encoding/json"
	"strconv"
)

var (
	emptyObject = json.RawMessage(`{}`)
	emptyArray  = json.RawMessage(`[]`)
)

// leading returns the first significant byte of a raw JSON value, which is
// enough to tell objects, arrays, strings and null apart without decoding.
func leading(raw json.RawMessage) byte {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

func isObject(raw json.RawMessage) bool { return leading(raw) == '{' }

func isArray(raw json.RawMessage) bool { return leading(raw) == '[' }

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// objectOr keeps raw only when it is a JSON object.
func objectOr(raw, fallback json.RawMessage) json.RawMessage {
	if isObject(raw) {
		return raw
	}
	return fallback
}

// decodeObject splits a top-level JSON object into its members, keeping
// each member verbatim.
func decodeObject(body []byte) (map[string]json.RawMessage, error) {
	if !isObject(body) {
		return nil, ErrInvalidJSON
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, ErrInvalidJSON
	}
	return fields, nil
}

// decodeValue decodes a single raw value with numbers preserved as
// json.Number so integers and floats stay distinguishable.
func decodeValue(raw json.RawMessage) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// truthy mirrors the loose notion of "present" clients rely on: null, false,
// zero, empty strings and empty containers all count as missing.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case json.Number:
		f, err := v.Float64()
		return err != nil || f != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

// stringify renders any decoded JSON value as the string stored in an
// identifier column. Numbers keep their literal text.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// optionalString returns nil for absent or null members, otherwise the
// member rendered as a string.
func optionalString(fields map[string]json.RawMessage, key string) *string {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return nil
	}
	value, err := decodeValue(raw)
	if err != nil {
		return nil
	}
	s := stringify(value)
	return &s
}
