package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode strictly decodes a bilirelay config. name picks the format: .yaml
// and .yml are YAML, everything else JSON. YAML is converted to JSON first
// so both formats reject unknown sections and fields the same way.
func Decode(name string, data []byte) (*Config, error) {
	if isYAML(name) {
		jb, err := yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
		}
		data = jb
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			err = errors.New("trailing data after config object")
		}
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return &cfg, nil
}

func isYAML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// yamlToJSON re-encodes a YAML document as JSON. An empty document is an
// empty config; any other top-level value must be a mapping of sections.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	doc = stringKeys(doc)
	if _, ok := doc.(map[string]any); !ok {
		return nil, fmt.Errorf("yaml: top level must be a mapping of sections, got %T", doc)
	}
	return json.Marshal(doc)
}

// stringKeys rewrites non-string mapping keys (e.g. numeric window classes)
// into strings so the document can be marshaled as JSON.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = stringKeys(e)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range x {
			x[i] = stringKeys(e)
		}
		return x
	}
	return v
}
