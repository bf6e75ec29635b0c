package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DropNullOptionals removes explicit nulls for optional item fields so that an item
// whose category is null is treated the same as one that omits it. Required fields
// are left untouched and still fail validation when null.
func DropNullOptionals(raw []byte) ([]byte, []string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	var dropped []string
	items, ok := m["items"].([]any)
	if !ok {
		return raw, nil, nil
	}
	for i, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if v, present := obj["category"]; present && v == nil {
			delete(obj, "category")
			dropped = append(dropped, fmt.Sprintf("items[%d].category", i))
		}
	}
	if len(dropped) == 0 {
		return raw, nil, nil
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("sanitize: encode: %w", err)
	}
	return out, dropped, nil
}
