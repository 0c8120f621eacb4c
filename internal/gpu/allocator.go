// Package gpu implements admission control for the single GPU memory budget
// shared by all model containers.
package gpu

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whisperd/pkg/types"
)

// allocation is one reservation bound to an active container.
type allocation struct {
	containerID  string
	memoryMB     int
	allocatedAt  time.Time
	lastActivity time.Time
}

// Allocator tracks total vs. allocated GPU memory and per-container
// reservations. All mutations happen under a single mutex so two concurrent
// requests cannot both pass the budget check and double-book.
type Allocator struct {
	mu          sync.Mutex
	totalMB     int
	allocatedMB int
	allocations map[string]*allocation
	log         zerolog.Logger
	now         func() time.Time // overridable in tests
}

// NewAllocator builds an allocator over a fixed total budget in MB.
func NewAllocator(totalMB int, log zerolog.Logger) *Allocator {
	return &Allocator{
		totalMB:     totalMB,
		allocations: make(map[string]*allocation),
		log:         log.With().Str("component", "gpu").Logger(),
		now:         time.Now,
	}
}

// TotalMB returns the fixed budget.
func (a *Allocator) TotalMB() int { return a.totalMB }

// CanAllocate reports whether memoryMB would fit the remaining budget.
func (a *Allocator) CanAllocate(memoryMB int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canAllocateLocked(memoryMB)
}

func (a *Allocator) canAllocateLocked(memoryMB int) bool {
	return memoryMB > 0 && a.totalMB-a.allocatedMB >= memoryMB
}

// Allocate reserves memoryMB for containerID. It fails if the container
// already holds a reservation or the budget would be exceeded.
func (a *Allocator) Allocate(containerID string, memoryMB int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.allocations[containerID]; exists {
		a.log.Warn().Str("container", containerID).Msg("allocate refused: already allocated")
		return false
	}
	if !a.canAllocateLocked(memoryMB) {
		a.log.Warn().Str("container", containerID).Int("requested_mb", memoryMB).
			Int("available_mb", a.totalMB-a.allocatedMB).Msg("allocate refused: insufficient memory")
		return false
	}
	now := a.now()
	a.allocations[containerID] = &allocation{
		containerID:  containerID,
		memoryMB:     memoryMB,
		allocatedAt:  now,
		lastActivity: now,
	}
	a.allocatedMB += memoryMB
	allocatedGauge.Set(float64(a.allocatedMB))
	a.log.Info().Str("container", containerID).Int("memory_mb", memoryMB).
		Int("allocated_mb", a.allocatedMB).Msg("gpu memory allocated")
	return true
}

// Release removes the reservation for containerID. Returns false when no
// reservation exists.
func (a *Allocator) Release(containerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.allocations[containerID]
	if !ok {
		return false
	}
	delete(a.allocations, containerID)
	a.allocatedMB -= alloc.memoryMB
	if a.allocatedMB < 0 {
		a.allocatedMB = 0
	}
	allocatedGauge.Set(float64(a.allocatedMB))
	a.log.Info().Str("container", containerID).Int("memory_mb", alloc.memoryMB).
		Int("allocated_mb", a.allocatedMB).Msg("gpu memory released")
	return true
}

// TouchActivity refreshes last-activity without changing the budget.
func (a *Allocator) TouchActivity(containerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if alloc, ok := a.allocations[containerID]; ok {
		alloc.lastActivity = a.now()
	}
}

// Utilization returns a snapshot of the budget for observability.
func (a *Allocator) Utilization() types.GPUUtilization {
	a.mu.Lock()
	defer a.mu.Unlock()
	u := types.GPUUtilization{
		TotalMB:     a.totalMB,
		AllocatedMB: a.allocatedMB,
		AvailableMB: a.totalMB - a.allocatedMB,
		Allocations: make([]types.GPUAllocationStatus, 0, len(a.allocations)),
	}
	if a.totalMB > 0 {
		u.Percent = 100 * float64(a.allocatedMB) / float64(a.totalMB)
	}
	for _, alloc := range a.allocations {
		u.Allocations = append(u.Allocations, types.GPUAllocationStatus{
			ContainerID:  alloc.containerID,
			MemoryMB:     alloc.memoryMB,
			AllocatedAt:  alloc.allocatedAt.Unix(),
			LastActivity: alloc.lastActivity.Unix(),
		})
	}
	return u
}

// Inactive returns ids of allocations idle longer than timeout.
func (a *Allocator) Inactive(timeout time.Duration) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	var out []string
	for id, alloc := range a.allocations {
		if now.Sub(alloc.lastActivity) > timeout {
			out = append(out, id)
		}
	}
	return out
}
