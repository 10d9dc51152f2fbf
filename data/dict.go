package data

import (
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/exp/maps"
)

// File names used inside a run files directory
const (
	HistoryFilename  = "wandb-history.jsonl"
	SummaryFilename  = "wandb-summary.json"
	EventsFilename   = "wandb-events.jsonl"
	OutputFilename   = "output.log"
	ConfigFilename   = "config.yaml"
	MetadataFilename = "wandb-metadata.json"
)

// DictFromItems decodes the JSON values of items into a map. Nested keys are
// expanded into nested maps.
func DictFromItems(items []Item) (map[string]any, error) {
	ret := make(map[string]any, len(items))
	for _, it := range items {
		var v any
		if err := json.Unmarshal([]byte(it.ValueJSON), &v); err != nil {
			return nil, fmt.Errorf("decoding value for %v: %w", it.Path(), err)
		}
		if err := setPath(ret, it.Path(), v); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// ItemsFromDict encodes every top level value of d as JSON. Items are sorted
// by key.
func ItemsFromDict(d map[string]any) ([]Item, error) {
	keys := maps.Keys(d)
	sort.Strings(keys)

	ret := make([]Item, 0, len(keys))
	for _, k := range keys {
		j, err := json.Marshal(d[k])
		if err != nil {
			return nil, fmt.Errorf("encoding value for %v: %w", k, err)
		}
		ret = append(ret, Item{Key: k, ValueJSON: string(j)})
	}
	return ret, nil
}

// Flatten replaces nested maps with dotted keys, in place.
// {"system": {"cpu": 1}} becomes {"system.cpu": 1}
func Flatten(d map[string]any) {
	for k, v := range d {
		sub, ok := v.(map[string]any)
		if !ok {
			continue
		}
		Flatten(sub)
		delete(d, k)
		for k2, v2 := range sub {
			d[k+"."+k2] = v2
		}
	}
}

func setPath(d map[string]any, path []string, v any) error {
	target := d
	for _, p := range path[:len(path)-1] {
		next, ok := target[p]
		if !ok {
			m := make(map[string]any)
			target[p] = m
			target = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("key %q in %v is not a map", p, path)
		}
		target = m
	}
	target[path[len(path)-1]] = v
	return nil
}

// ApplySummary applies the updates and removals of a summary record to
// summary. Intermediate maps are created for nested updates. Removing a key
// that does not exist is not an error.
func ApplySummary(summary map[string]any, rec *SummaryRecord) error {
	for _, it := range rec.Update {
		if it.Key != "" && len(it.NestedKey) > 0 {
			return fmt.Errorf("summary item uses both key and nested key: %v", it.Key)
		}
		var v any
		if err := json.Unmarshal([]byte(it.ValueJSON), &v); err != nil {
			return fmt.Errorf("decoding summary value for %v: %w", it.Path(), err)
		}
		if err := setPath(summary, it.Path(), v); err != nil {
			return err
		}
	}

	for _, it := range rec.Remove {
		if it.Key != "" && len(it.NestedKey) > 0 {
			return fmt.Errorf("summary item uses both key and nested key: %v", it.Key)
		}
		path := it.Path()
		target := summary
		for _, p := range path[:len(path)-1] {
			m, ok := target[p].(map[string]any)
			if !ok {
				target = nil
				break
			}
			target = m
		}
		if target != nil {
			delete(target, path[len(path)-1])
		}
	}

	return nil
}
