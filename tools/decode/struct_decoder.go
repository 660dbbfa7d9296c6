package decode

import (
	"github.com/mitchellh/mapstructure"
)

// DecodeMap 把 map[string]any 解到目标结构（json tag 对齐），
// 事件/帧的 payload 解码统一走这里。
func DecodeMap[T any](in map[string]any) (*T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(in); err != nil {
		return nil, err
	}
	return &out, nil
}
