package memory

import (
	"context"
	"sort"

	"github.com/one-covenant/basilica-sub001/internal/domain/apperr"
	creditdomain "github.com/one-covenant/basilica-sub001/internal/domain/credit"
)

// GetPackage backs the Packages view's Get method.
func (s *Store) GetPackage(_ context.Context, id string) (creditdomain.Package, error) {
	s.packageMu.RLock()
	defer s.packageMu.RUnlock()
	pkg, ok := s.packages[id]
	if !ok {
		return creditdomain.Package{}, apperr.NotFound("package", id)
	}
	return pkg, nil
}

// FindByGPUModel satisfies processor.PackageStore: the active package
// whose GPUModelMatch pattern matches model, highest Priority first.
func (s *Store) FindByGPUModel(_ context.Context, model string) (creditdomain.Package, error) {
	s.packageMu.RLock()
	defer s.packageMu.RUnlock()
	var candidates []creditdomain.Package
	for _, pkg := range s.packages {
		if pkg.Active && pkg.Matches(model) {
			candidates = append(candidates, pkg)
		}
	}
	if len(candidates) == 0 {
		return creditdomain.Package{}, apperr.NotFound("package for gpu model", model)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority > candidates[j].Priority })
	return candidates[0], nil
}
