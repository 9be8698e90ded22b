// Package reaper implements the Reaper (C8): one periodic sweep per
// active project that reclaims expired leases, requeuing whatever
// worker held each one. A worker whose lease expired is, by that same
// sweep, no longer reflected as holding any task, so there is no
// separate zombie-record cleanup step to run. Adapted from the
// teacher's debounced-save timer idiom in internal/persistence/store.go
// (stop-then-restart a timer rather than letting duplicates pile up).
package reaper

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/taskdriver/taskdriver/internal/lease"
	"github.com/taskdriver/taskdriver/internal/projects"
)

// Reaper runs one ticker goroutine per active project.
type Reaper struct {
	mu       sync.Mutex
	lease    *lease.Engine
	projects *projects.Service
	timers   map[string]*time.Ticker
	stop     map[string]chan struct{}
}

func New(leaseEngine *lease.Engine, projectSvc *projects.Service) *Reaper {
	return &Reaper{
		lease:    leaseEngine,
		projects: projectSvc,
		timers:   make(map[string]*time.Ticker),
		stop:     make(map[string]chan struct{}),
	}
}

// StartReaper starts (or restarts) the periodic sweep for one project,
// idempotent the same way scheduleSave stops any existing timer first.
func (r *Reaper) StartReaper(projectID string, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.timers[projectID]; ok {
		existing.Stop()
		close(r.stop[projectID])
	}

	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	r.timers[projectID] = ticker
	r.stop[projectID] = stop

	go func() {
		for {
			select {
			case <-ticker.C:
				r.sweep(projectID)
			case <-stop:
				return
			}
		}
	}()
}

func (r *Reaper) sweep(projectID string) {
	ctx := context.Background()
	result, err := r.lease.CleanupExpiredLeases(ctx, projectID)
	if err != nil {
		log.Printf("[REAPER] sweep failed for project %s: %v", projectID, err)
		return
	}
	if result.ReclaimedTasks > 0 {
		log.Printf("[REAPER] project %s: reclaimed %d expired lease(s) from %d worker(s)",
			projectID, result.ReclaimedTasks, result.CleanedAgents)
	}
}

// StopReaper stops the sweep for one project, if running.
func (r *Reaper) StopReaper(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ticker, ok := r.timers[projectID]; ok {
		ticker.Stop()
		close(r.stop[projectID])
		delete(r.timers, projectID)
		delete(r.stop, projectID)
	}
}

// StartAllReapers enumerates active projects through the Project
// Service and starts a sweep for each, using that project's own
// configured reaper interval.
func (r *Reaper) StartAllReapers(ctx context.Context) error {
	active, err := r.projects.List(ctx, false, 0, 0)
	if err != nil {
		return err
	}
	for _, p := range active {
		interval := time.Duration(p.Config.ReaperIntervalMinutes) * time.Minute
		r.StartReaper(p.ID, interval)
		log.Printf("[REAPER] started sweep for project %s every %s", p.ID, interval)
	}
	return nil
}

// StopAllReapers stops every running sweep, used on daemon shutdown.
func (r *Reaper) StopAllReapers() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.timers))
	for id := range r.timers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.StopReaper(id)
	}
}
