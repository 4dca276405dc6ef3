package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Fields はドキュメントのフィールド名をキーとする部分更新の内容。
// 値はJSONと同じ型（string, float64, int）で保持する。
type Fields map[string]any

// Keys はフィールド名をソートして返す。
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone はシャローコピーを返す。
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (f Fields) validate(allowed map[string]struct{}) error {
	if len(f) == 0 {
		return NewInvalidFieldError("", "更新するフィールドがありません")
	}
	for _, k := range f.Keys() {
		if _, ok := allowed[k]; !ok {
			return NewInvalidFieldError(k, "更新できないフィールドです")
		}
	}
	return nil
}

// mergeJSON はsrcをJSONマップに展開してfを上書きし、dstにデコードする。
// 型が一致しない値はINVALID_FIELDとして返す。
func mergeJSON(src any, f Fields, dst any) error {
	base, err := toFields(src)
	if err != nil {
		return err
	}
	for k, v := range f {
		base[k] = v
	}
	raw, err := json.Marshal(base)
	if err != nil {
		return NewInvalidFieldError("", err.Error())
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return NewInvalidFieldError(typeErr.Field, fmt.Sprintf("%sを指定してください", typeErr.Type.String()))
		}
		return NewInvalidFieldError("", err.Error())
	}
	return nil
}

func toFields(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	f := Fields{}
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode fields: %w", err)
	}
	return f, nil
}
