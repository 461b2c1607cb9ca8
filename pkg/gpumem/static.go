package gpumem

import (
	"context"
	"sync"
)

// Static is an in-memory Info used in tests and on hosts without a
// discrete GPU. All values are settable at runtime.
type Static struct {
	mu      sync.Mutex
	total   float64
	free    float64
	perProc map[int]float64
}

// NewStatic returns a Static reporting the given totals.
func NewStatic(totalGB, freeGB float64) *Static {
	return &Static{
		total:   totalGB,
		free:    freeGB,
		perProc: map[int]float64{},
	}
}

// SetFree updates the reported free memory.
func (s *Static) SetFree(gb float64) {
	s.mu.Lock()
	s.free = gb
	s.mu.Unlock()
}

// SetUsedBy updates the memory attributed to pid.
func (s *Static) SetUsedBy(pid int, gb float64) {
	s.mu.Lock()
	s.perProc[pid] = gb
	s.mu.Unlock()
}

// Total implements Info.
func (s *Static) Total(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, nil
}

// Free implements Info.
func (s *Static) Free(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free, nil
}

// UsedBy implements Info.
func (s *Static) UsedBy(ctx context.Context, pid int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perProc[pid], nil
}
