package data

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlatten(t *testing.T) {
	d := map[string]any{
		"system": map[string]any{
			"cpu": 12.5,
			"gpu": map[string]any{"0": map[string]any{"temp": 40.0}},
		},
		"_wandb": true,
	}

	Flatten(d)

	exp := map[string]any{
		"system.cpu":        12.5,
		"system.gpu.0.temp": 40.0,
		"_wandb":            true,
	}

	if diff := cmp.Diff(exp, d); diff != "" {
		t.Error("flatten mismatch (-want +got):\n", diff)
	}
}

func TestApplySummary(t *testing.T) {
	summary := map[string]any{
		"acc":  0.5,
		"eval": map[string]any{"loss": 1.0, "acc": 0.1},
	}

	rec := &SummaryRecord{
		Update: []Item{
			{Key: "acc", ValueJSON: "0.9"},
			{NestedKey: []string{"eval", "loss"}, ValueJSON: "0.25"},
			{NestedKey: []string{"new", "deep"}, ValueJSON: `"x"`},
		},
		Remove: []Item{
			{NestedKey: []string{"eval", "acc"}},
			{Key: "missing"},
		},
	}

	if err := ApplySummary(summary, rec); err != nil {
		t.Fatal("apply summary: ", err)
	}

	exp := map[string]any{
		"acc":  0.9,
		"eval": map[string]any{"loss": 0.25},
		"new":  map[string]any{"deep": "x"},
	}

	if diff := cmp.Diff(exp, summary); diff != "" {
		t.Error("summary mismatch (-want +got):\n", diff)
	}
}

func TestApplySummaryKeyAndNestedKey(t *testing.T) {
	rec := &SummaryRecord{Update: []Item{
		{Key: "a", NestedKey: []string{"b"}, ValueJSON: "1"},
	}}

	if err := ApplySummary(map[string]any{}, rec); err == nil {
		t.Fatal("expected error when both key and nested key are set")
	}
}

func TestItemsFromDictSorted(t *testing.T) {
	items, err := ItemsFromDict(map[string]any{"b": 2, "a": "x"})
	if err != nil {
		t.Fatal(err)
	}

	exp := []Item{{Key: "a", ValueJSON: `"x"`}, {Key: "b", ValueJSON: "2"}}
	if diff := cmp.Diff(exp, items); diff != "" {
		t.Error("items mismatch (-want +got):\n", diff)
	}

	d, err := DictFromItems(items)
	if err != nil {
		t.Fatal(err)
	}

	if d["a"] != "x" || d["b"] != 2.0 {
		t.Error("unexpected dict: ", d)
	}
}
