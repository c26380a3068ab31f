package metrics

import "testing"

func TestCounterGaugeHistogramGather(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("darkswap_circuit_bytes_total", map[string]string{"relay": "r1"}, 10)
	r.IncCounter("darkswap_circuit_bytes_total", map[string]string{"relay": "r1"}, 5)
	r.SetGauge("darkswap_circuits_active", map[string]string{"relay": "r1"}, 3)
	r.ObserveHistogram("darkswap_request_latency_ms", map[string]string{"op": "trade"}, 42)

	families, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 3 {
		t.Fatalf("expected 3 metric families, got %d", len(families))
	}
}
