package metrics

import "testing"

func gather(t *testing.T, r *Recorder, name string) bool {
	t.Helper()
	mfs, err := r.registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return true
		}
	}
	return false
}

func TestNewRegistersAllMetrics(t *testing.T) {
	r := New("LRU")
	for _, name := range []string{
		"blockcache_hits_total",
		"blockcache_misses_total",
		"blockcache_evictions_total",
		"blockcache_bytes_resident",
	} {
		if !gather(t, r, name) {
			t.Errorf("expected %s to be registered", name)
		}
	}
}

func TestHitAndMissIncrementCounters(t *testing.T) {
	r := New("LRU")
	r.Hit()
	r.Hit()
	r.Miss()

	mfs, err := r.registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, mf := range mfs {
		switch mf.GetName() {
		case "blockcache_hits_total":
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 2 {
				t.Errorf("hits = %v, want 2", got)
			}
		case "blockcache_misses_total":
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 1 {
				t.Errorf("misses = %v, want 1", got)
			}
		}
	}
}

func TestBytesResidentSetsGauge(t *testing.T) {
	r := New("LRU")
	r.BytesResident(4096)

	mfs, err := r.registry.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "blockcache_bytes_resident" {
			if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 4096 {
				t.Errorf("bytes_resident = %v, want 4096", got)
			}
		}
	}
}

func TestNilRecorderMethodsAreNoOps(t *testing.T) {
	var r *Recorder
	r.Hit()
	r.Miss()
	r.Eviction()
	r.BytesResident(10)
}
