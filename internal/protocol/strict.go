package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// object is a decoded JSON object whose key set has been checked.
type object map[string]json.RawMessage

func decodeObject(data []byte, keys ...string) (object, error) {
	var obj object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: null payload", ErrNotJSON)
	}
	if len(obj) != len(keys) {
		return nil, fmt.Errorf("%w: got [%s] want [%s]", ErrUnexpectedKeys, keyList(obj), strings.Join(keys, " "))
	}
	for _, key := range keys {
		if _, ok := obj[key]; !ok {
			return nil, fmt.Errorf("%w: missing %q, got [%s]", ErrUnexpectedKeys, key, keyList(obj))
		}
	}
	return obj, nil
}

func keyList(obj object) string {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return strings.Join(keys, " ")
}

func (o object) str(key string) (string, error) {
	var value string
	if err := json.Unmarshal(o[key], &value); err != nil || isNull(o[key]) {
		return "", fmt.Errorf("%w: %q must be a string", ErrFieldType, key)
	}
	return value, nil
}

// nullableStr maps JSON null to "".
func (o object) nullableStr(key string) (string, error) {
	if isNull(o[key]) {
		return "", nil
	}
	return o.str(key)
}

func (o object) integer(key string) (int, error) {
	var value int
	if err := json.Unmarshal(o[key], &value); err != nil || isNull(o[key]) {
		return 0, fmt.Errorf("%w: %q must be an integer", ErrFieldType, key)
	}
	return value, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func nullable(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
