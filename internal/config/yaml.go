package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// toJSON converts YAML config files to JSON so both formats share one
// strict decoder.
func toJSON(path string, data []byte) ([]byte, error) {
	if !isYAML(path) {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml %s: %w", filepath.Base(path), err)
	}
	out, err := json.Marshal(normalizeKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("convert yaml %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// normalizeKeys makes every nested map JSON-encodable.
func normalizeKeys(v any) any {
	switch node := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[fmt.Sprint(k)] = normalizeKeys(child)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[k] = normalizeKeys(child)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = normalizeKeys(child)
		}
		return out
	}
	return v
}
