package billing

import "testing"

func TestProcessingBatchDefaults(t *testing.T) {
	b := ProcessingBatch{Type: "usage_drain", Status: BatchPending}
	if b.Status != BatchPending {
		t.Fatalf("expected pending status")
	}
	if b.Processed != 0 || b.Failed != 0 {
		t.Fatalf("expected zeroed counters")
	}
}

func TestUsageEventProcessedRequiresBatchID(t *testing.T) {
	e := UsageEvent{Type: EventTelemetry}
	if e.Processed && e.BatchID == nil {
		t.Fatalf("processed event must carry a batch id")
	}
}
