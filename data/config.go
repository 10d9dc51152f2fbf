package data

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-yaml"
	"golang.org/x/exp/maps"
)

// ConfigValue is how a single config key is stored in config.yaml
type ConfigValue struct {
	Desc  *string `yaml:"desc"`
	Value any     `yaml:"value"`
}

// configVersion is written as the first key of every config file
const configVersion = 1

// ConfigFromItems converts config items into the config file layout
func ConfigFromItems(items []Item) (map[string]ConfigValue, error) {
	d, err := DictFromItems(items)
	if err != nil {
		return nil, err
	}
	ret := make(map[string]ConfigValue, len(d))
	for k, v := range d {
		ret[k] = ConfigValue{Value: v}
	}
	return ret, nil
}

// SaveConfigFile writes config as YAML. The wandb_version key comes first,
// the remaining keys are sorted.
func SaveConfigFile(path string, config map[string]ConfigValue) error {
	keys := maps.Keys(config)
	sort.Strings(keys)

	doc := yaml.MapSlice{{Key: "wandb_version", Value: configVersion}}
	for _, k := range keys {
		doc = append(doc, yaml.MapItem{Key: k, Value: config[k]})
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	return os.WriteFile(path, out, 0644)
}

// LoadConfigFile reads a file written by SaveConfigFile. Top level keys that
// are not in the {desc, value} layout are taken as plain values.
func LoadConfigFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding config %v: %w", path, err)
	}

	ret := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "wandb_version" {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			if val, ok := m["value"]; ok {
				ret[k] = val
				continue
			}
		}
		ret[k] = v
	}

	return ret, nil
}
