// Package strategy decides, per (executor, miner), whether a
// verification cycle should run a Full attestation or a cheap
// Lightweight connectivity probe carrying the prior result forward.
package strategy

import (
	"time"

	"github.com/one-covenant/basilica-sub001/internal/domain/executor"
	"github.com/one-covenant/basilica-sub001/internal/domain/verification"
)

// History is the subset of an executor's prior verification state the
// selector needs. A nil *History (no prior record) always selects Full.
type History struct {
	Status            executor.Status
	LastValidationAt  time.Time
	LastScore         float64
	LastGPUCount      int
}

// Select returns Full or Lightweight for one executor. validationInterval
// is the configured executor_validation_interval (spec 4.6). now is
// injected for deterministic tests.
func Select(h *History, validationInterval time.Duration, now time.Time) verification.Strategy {
	if h == nil {
		return verification.StrategyFull
	}
	if h.Status != executor.StatusOnline && h.Status != executor.StatusVerified {
		return verification.StrategyFull
	}
	if now.Sub(h.LastValidationAt) > validationInterval {
		return verification.StrategyFull
	}
	return verification.StrategyLightweight
}

// SelectOnHistoryError is the fallback used when reading history from
// storage itself errors: default to Full so a storage hiccup never
// silently downgrades validation rigor.
func SelectOnHistoryError() verification.Strategy {
	return verification.StrategyFull
}
