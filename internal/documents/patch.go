package documents

import (
	"encoding/json"
	"fmt"
)

// SetSection replaces one section and leaves every other section as read.
func SetSection(name string, value any) PatchFunc {
	return func(p Payload) (Payload, error) {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode section %s: %w", name, err)
		}
		p[name] = raw
		return p, nil
	}
}

// MergeFields merges fields into the object stored under section name,
// keeping keys of that object the patch does not mention. A JSON null field
// value deletes the key.
func MergeFields(name string, fields map[string]json.RawMessage) PatchFunc {
	return func(p Payload) (Payload, error) {
		obj := map[string]json.RawMessage{}
		if cur, ok := p[name]; ok && len(cur) > 0 && string(cur) != "null" {
			if err := json.Unmarshal(cur, &obj); err != nil {
				return nil, fmt.Errorf("section %s is not an object: %w", name, err)
			}
		}
		for k, v := range fields {
			if string(v) == "null" {
				delete(obj, k)
				continue
			}
			obj[k] = v
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		p[name] = raw
		return p, nil
	}
}

// DeleteSection removes a section.
func DeleteSection(name string) PatchFunc {
	return func(p Payload) (Payload, error) {
		delete(p, name)
		return p, nil
	}
}

// Chain applies patches in order.
func Chain(patches ...PatchFunc) PatchFunc {
	return func(p Payload) (Payload, error) {
		var err error
		for _, fn := range patches {
			if p, err = fn(p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
}
