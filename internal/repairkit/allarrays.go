package repairkit

import (
	"bytes"
	"encoding/json"
)

// repairAllArrays wraps scalar-valued fields in a singleton array. Older
// harvest versions wrote file-info properties without the enclosing array,
// which breaks consumers expecting the mapped array shape.
func repairAllArrays(source map[string]json.RawMessage, field string) map[string]any {
	raw, ok := source[field]
	if !ok {
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '[' {
		return nil
	}
	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return nil
	}
	return map[string]any{field: []any{value}}
}
