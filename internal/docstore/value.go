package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// TimeFormat is the stored form of timestamps. It is fixed width so that
// stored timestamps order lexically.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Increment adds n to the stored numeric field, treating a missing field as 0.
type Increment int64

type serverTimestamp struct{}

// ServerTimestamp is replaced with the commit time of the write.
var ServerTimestamp = serverTimestamp{}

// FormatTime renders t in the stored form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Normalize converts data to the JSON value space every backend stores:
// strings, bools, nil, json.Number, []any and map[string]any. Transforms
// are left in place for ApplyWrite to resolve.
func Normalize(data Data) (Data, error) {
	out := make(Data, len(data))
	for k, v := range data {
		if err := validField(k); err != nil {
			return nil, err
		}
		switch tv := v.(type) {
		case Increment, serverTimestamp:
			out[k] = tv
			continue
		}
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch tv := v.(type) {
	case nil, string, bool, json.Number:
		return tv, nil
	case time.Time:
		return FormatTime(tv), nil
	case int:
		return json.Number(strconv.FormatInt(int64(tv), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(tv, 10)), nil
	case int32:
		return json.Number(strconv.FormatInt(int64(tv), 10)), nil
	case Data:
		return Normalize(tv)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return DecodeValue(raw)
}

// DecodeValue parses a JSON value keeping numbers as json.Number.
func DecodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeData parses a stored JSON object.
func DecodeData(raw []byte) (Data, error) {
	v, err := DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("docstore: stored document is %T, want object", v)
	}
	return Data(m), nil
}

func validField(name string) error {
	if name == "" || strings.ContainsAny(name, ".'\"\\") {
		return fmt.Errorf("docstore: invalid field name %q", name)
	}
	return nil
}

// Int reads a stored integer field.
func Int(v any) (int64, bool) {
	switch tv := v.(type) {
	case json.Number:
		if n, err := tv.Int64(); err == nil {
			return n, true
		}
		f, err := tv.Float64()
		if err != nil {
			return 0, false
		}
		return int64(math.Round(f)), true
	case int64:
		return tv, true
	case int:
		return int64(tv), true
	case float64:
		return int64(math.Round(tv)), true
	}
	return 0, false
}

// CloneData deep copies a document.
func CloneData(d Data) Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return map[string]any(CloneData(Data(tv)))
	case Data:
		return CloneData(tv)
	case []any:
		out := make([]any, len(tv))
		for i := range tv {
			out[i] = cloneValue(tv[i])
		}
		return out
	}
	return v
}

func valuesEqual(a, b any) bool {
	an, aok := a.(json.Number)
	bn, bok := b.(json.Number)
	if aok && bok {
		return compareNumbers(an, bn) == 0
	}
	return reflect.DeepEqual(a, b)
}

func compareNumbers(a, b json.Number) int {
	ai, aerr := a.Int64()
	bi, berr := b.Int64()
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	af, _ := a.Float64()
	bf, _ := b.Float64()
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

// typeRank orders values of different kinds: null < bool < number < string < other.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case json.Number:
		return 2
	case string:
		return 3
	}
	return 4
}

func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ta := a.(type) {
	case bool:
		tb := b.(bool)
		switch {
		case ta == tb:
			return 0
		case !ta:
			return -1
		}
		return 1
	case json.Number:
		return compareNumbers(ta, b.(json.Number))
	case string:
		return strings.Compare(ta, b.(string))
	}
	return 0
}
