package db

import (
	"encoding/json"
	"testing"
)

func TestPoolStatsJSONShape(t *testing.T) {
	stats := &PoolStats{
		TotalConns:      10,
		IdleConns:       5,
		AcquiredConns:   5,
		MaxConns:        20,
		AcquireCount:    100,
		AcquireDuration: "1.5s",
		Healthy:         true,
	}

	raw, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{
		"total_conns", "idle_conns", "acquired_conns", "max_conns",
		"acquire_count", "acquire_duration", "healthy",
	} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing %q in health payload", key)
		}
	}
	if decoded["total_conns"] != float64(10) {
		t.Errorf("total_conns = %v, want 10", decoded["total_conns"])
	}
	if decoded["healthy"] != true {
		t.Errorf("healthy = %v, want true", decoded["healthy"])
	}
}
