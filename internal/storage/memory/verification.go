package memory

import (
	"context"

	verifdomain "github.com/one-covenant/basilica-sub001/internal/domain/verification"
)

// Insert satisfies verification.ResultStore: append-only, matching the
// aggregate's "a new run always inserts a new row" contract.
func (s *Store) Insert(_ context.Context, result verifdomain.Result) error {
	s.verifMu.Lock()
	defer s.verifMu.Unlock()
	s.verificationResults = append(s.verificationResults, result)
	return nil
}

// ResultsFor returns every verification result recorded for executorID,
// oldest first, for the list/history surface.
func (s *Store) ResultsFor(_ context.Context, executorID string) ([]verifdomain.Result, error) {
	s.verifMu.Lock()
	defer s.verifMu.Unlock()
	var out []verifdomain.Result
	for _, r := range s.verificationResults {
		if r.ExecutorID == executorID {
			out = append(out, r)
		}
	}
	return out, nil
}
