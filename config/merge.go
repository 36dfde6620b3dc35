package config

// DeepMerge recursively merges two raw documents, with override taking
// precedence. Where both sides hold maps at the same key the maps are merged
// recursively; a nil override value never clobbers an existing one. The
// inputs are not mutated.
//
// Merging is fully synchronous: the result is materialized before any
// reader can observe it, so a partially merged document is never visible.
func DeepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))

	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		if baseMap, baseOk := base[k].(map[string]any); baseOk {
			if overrideMap, overrideOk := v.(map[string]any); overrideOk {
				result[k] = DeepMerge(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// Resolve merges the base document over the static defaults and builds the
// typed snapshot. Every key present in defaults is present in the result;
// keys present in both carry the base value.
func Resolve(defaults, base map[string]any) (*Snapshot, error) {
	merged := DeepMerge(defaults, base)
	snap, err := NewSnapshot(merged)
	if err != nil {
		return nil, err
	}

	fixupPort(snap)
	return snap, nil
}
