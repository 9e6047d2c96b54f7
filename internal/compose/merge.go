package compose

// MergeConfigs layers configuration maps left to right, later maps
// winning. Scalars are replaced per key. Arrays are replaced wholesale,
// never concatenated or deduplicated. Nested maps merge recursively.
func MergeConfigs(configs ...map[string]any) map[string]any {
	merged := map[string]any{}
	for _, cfg := range configs {
		mergeInto(merged, cfg)
	}
	return merged
}

func mergeInto(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			// Copy so later merges never mutate the caller's map.
			copied := map[string]any{}
			mergeInto(copied, srcMap)
			dst[key] = copied
			continue
		}
		dst[key] = value
	}
}
