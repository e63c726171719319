package registry

import (
	"github.com/vmihailenco/msgpack/v5"
)

// DecodeParam decodes a plugin's opaque, self-describing param blob
// (keys are strings; values are integers, byte strings, arrays, maps,
// or null) into a generic map a ParamSchema can validate and a
// factory's Build can type-assert fields out of.
func DecodeParam(blob []byte) (map[string]any, error) {
	if len(blob) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := msgpack.Unmarshal(blob, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeParam is the inverse of DecodeParam, used by tests and by the
// (out of scope) editor/UI layer to produce a PluginRecord.Param blob.
// Round-tripping Encode then Decode through a factory's schema must
// yield the same logical value.
func EncodeParam(m map[string]any) ([]byte, error) {
	return msgpack.Marshal(m)
}
