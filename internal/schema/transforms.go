package schema

import "fmt"

// StructuredAddress migrates jobs from a free-text "address" string to a
// structured "site" object (version 2). The original string is preserved
// under site.raw so Revert can restore it exactly.
type StructuredAddress struct{}

func (StructuredAddress) Version() int { return 2 }

func (StructuredAddress) Collections() []string { return []string{"jobs"} }

func (StructuredAddress) Apply(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	if _, done := out["site"]; done {
		// Already in the new shape; batches may overlap after a retry.
		return out, nil
	}

	raw, _ := out["address"].(string)
	out["site"] = map[string]any{
		"raw": raw,
	}
	delete(out, "address")
	return out, nil
}

func (StructuredAddress) Revert(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	site, ok := out["site"].(map[string]any)
	if !ok {
		if _, hasAddress := out["address"]; hasAddress {
			return out, nil
		}
		return nil, fmt.Errorf("document has neither site nor address field")
	}

	raw, _ := site["raw"].(string)
	out["address"] = raw
	delete(out, "site")
	return out, nil
}

// Default returns the registry with all shipped transforms registered.
func Default() *Registry {
	r := NewRegistry()
	// Registration cannot collide here; versions are distinct constants.
	_ = r.Register(StructuredAddress{})
	return r
}
