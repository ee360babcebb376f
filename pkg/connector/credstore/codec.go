// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package credstore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// bufferTag is the "type" value marking an encoded binary payload, stored
// as {"type":"Buffer","data":"<base64>"}. Existing auth state uses this
// shape and must stay readable.
const bufferTag = "Buffer"

// maxExactInt is the largest integer a float64 holds exactly.
const maxExactInt = 1 << 53

// Marshal encodes v as JSON, replacing every []byte and byte array found in
// maps, slices and pointers with a tagged binary object. Values are expected
// to be JSON-like trees (maps with string keys, slices, scalars).
func Marshal(v any) ([]byte, error) {
	tagged, err := tagBinary(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return json.Marshal(tagged)
}

// Unmarshal decodes data produced by Marshal. Tagged binary objects come
// back as []byte; everything else uses the encoding/json generic types,
// except integers beyond ±2^53, which stay json.Number so they re-encode
// exactly.
func Unmarshal(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return untagBinary(raw)
}

func tagBinary(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		return tagBinary(v.Elem())
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return encodeBuffer(v.Bytes()), nil
		}
		return tagList(v)
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(buf), v)
			return encodeBuffer(buf), nil
		}
		return tagList(v)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", v.Type().Key())
		}
		if v.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			item, err := tagBinary(iter.Value())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", iter.Key().String(), err)
			}
			out[iter.Key().String()] = item
		}
		return out, nil
	default:
		return v.Interface(), nil
	}
}

func tagList(v reflect.Value) (any, error) {
	out := make([]any, v.Len())
	for i := range out {
		item, err := tagBinary(v.Index(i))
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		out[i] = item
	}
	return out, nil
}

func encodeBuffer(b []byte) map[string]any {
	return map[string]any{
		"type": bufferTag,
		"data": base64.StdEncoding.EncodeToString(b),
	}
}

func untagBinary(v any) (any, error) {
	switch typed := v.(type) {
	case map[string]any:
		if buf, ok, err := decodeBuffer(typed); ok || err != nil {
			return buf, err
		}
		for k, item := range typed {
			decoded, err := untagBinary(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			typed[k] = decoded
		}
		return typed, nil
	case []any:
		for i, item := range typed {
			decoded, err := untagBinary(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			typed[i] = decoded
		}
		return typed, nil
	case json.Number:
		return numberValue(typed), nil
	default:
		return v, nil
	}
}

func numberValue(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		if i > maxExactInt || i < -maxExactInt {
			return n
		}
		return float64(i)
	}
	if !strings.ContainsAny(n.String(), ".eE") {
		// Integer literal outside int64.
		return n
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n
}

// decodeBuffer recognizes both the base64 string form and the form where
// data is an array of byte values.
func decodeBuffer(m map[string]any) ([]byte, bool, error) {
	tag, _ := m["type"].(string)
	if tag != bufferTag || len(m) != 2 {
		return nil, false, nil
	}
	switch data := m["data"].(type) {
	case string:
		buf, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, true, fmt.Errorf("invalid buffer payload: %w", err)
		}
		return buf, true, nil
	case []any:
		buf := make([]byte, len(data))
		for i, n := range data {
			num, _ := n.(json.Number)
			f, ok := numberValue(num).(float64)
			if !ok || f < 0 || f > 255 || f != float64(int(f)) {
				return nil, true, fmt.Errorf("invalid buffer byte at %d", i)
			}
			buf[i] = byte(f)
		}
		return buf, true, nil
	default:
		return nil, false, nil
	}
}
