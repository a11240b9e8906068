package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON returns data as JSON and the name of the source format. YAML
// (.yaml/.yml) is re-encoded so both formats share one strict decoder.
func toJSON(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml: %w", err)
	}
	out, err := json.Marshal(jsonable(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml to json: %w", err)
	}
	return out, "yaml", nil
}

// jsonable rewrites YAML maps with non-string keys (e.g. `1: x`) into
// map[string]any, recursively.
func jsonable(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = jsonable(e)
		}
		return out
	case map[string]any:
		for k, e := range t {
			t[k] = jsonable(e)
		}
	case []any:
		for i, e := range t {
			t[i] = jsonable(e)
		}
	}
	return v
}
