package strategy

import (
	"testing"
	"time"

	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	"github.com/one-covenant/basilica-sub001/internal/domain/verification"
)

func TestSelectNoPriorRecordIsFull(t *testing.T) {
	if got := Select(nil, time.Hour, time.Now()); got != verification.StrategyFull {
		t.Fatalf("expected Full with no history, got %v", got)
	}
}

func TestSelectNonVerifiedStatusIsFull(t *testing.T) {
	h := &History{Status: executor.StatusFailed, LastValidationAt: time.Now()}
	if got := Select(h, time.Hour, time.Now()); got != verification.StrategyFull {
		t.Fatalf("expected Full for non-online/verified status, got %v", got)
	}
}

func TestSelectStaleValidationIsFull(t *testing.T) {
	now := time.Now()
	h := &History{Status: executor.StatusVerified, LastValidationAt: now.Add(-5 * time.Hour)}
	if got := Select(h, 4*time.Hour, now); got != verification.StrategyFull {
		t.Fatalf("expected Full for stale validation, got %v", got)
	}
}

func TestSelectRecentVerifiedIsLightweight(t *testing.T) {
	now := time.Now()
	h := &History{Status: executor.StatusVerified, LastValidationAt: now.Add(-5 * time.Minute), LastScore: 0.82}
	if got := Select(h, 4*time.Hour, now); got != verification.StrategyLightweight {
		t.Fatalf("expected Lightweight, got %v", got)
	}
}
