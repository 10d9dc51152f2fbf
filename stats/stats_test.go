package stats

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/runsync/runsync/data"
)

func TestAverage(t *testing.T) {
	samples := []map[string]float64{
		{"cpu": 10, "memory": 50, "network.sent": 100},
		{"cpu": 30, "memory": 70, "network.sent": 300},
	}

	exp := map[string]float64{"cpu": 20, "memory": 60, "network.sent": 300}

	if diff := cmp.Diff(exp, Average(samples)); diff != "" {
		t.Error("average mismatch (-want +got):\n", diff)
	}
}

func TestRecord(t *testing.T) {
	ts := time.Unix(1600000000, 0)
	rec := Record(map[string]float64{"memory": 12.5, "cpu": 3}, ts)

	if rec.Type() != data.RecordTypeStats {
		t.Fatal("expected stats record, got: ", rec.Type())
	}

	exp := &data.StatsRecord{
		Type:      data.StatsTypeSystem,
		Timestamp: ts,
		Items: []data.Item{
			{Key: "cpu", ValueJSON: "3"},
			{Key: "memory", ValueJSON: "12.5"},
		},
	}

	if diff := cmp.Diff(exp, rec.Stats); diff != "" {
		t.Error("record mismatch (-want +got):\n", diff)
	}
}

func TestStartShutdown(t *testing.T) {
	recs := make(chan *data.Record, 100)

	ss := New(Options{SampleRate: 5 * time.Millisecond, SamplesToAverage: 2},
		func(r *data.Record) { recs <- r })

	for i := 0; i < 2; i++ {
		ss.Start()
		ss.Start()

		if !ss.Running() {
			t.Fatal("should be running")
		}

		select {
		case r := <-recs:
			if r.Stats == nil || len(r.Stats.Items) == 0 {
				t.Error("expected stats items")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for stats")
		}

		ss.Shutdown()
		ss.Shutdown()

		if ss.Running() {
			t.Fatal("should not be running")
		}
	}
}
