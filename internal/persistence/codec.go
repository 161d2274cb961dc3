package persistence

import (
	"bytes"
	"encoding/gob"
	"reflect"
)

// EncodeValue serializes v using encoding/gob. Nil and empty values encode
// to nil so that they round-trip to the zero value. Interface-typed content
// (map[string]any values, api.Rule.Value) must use gob-registered types.
func EncodeValue(v any) ([]byte, error) {
	if isEmpty(v) {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes data produced by EncodeValue into a T.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	case reflect.Struct:
		return rv.IsZero()
	}
	return false
}
