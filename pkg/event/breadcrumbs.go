package event

import "sync"

// MaxBreadcrumbs bounds the breadcrumb trail attached to diagnostic events.
const MaxBreadcrumbs = 100

// BreadcrumbRing is a bounded ordered breadcrumb trail. When full, the oldest
// breadcrumb is evicted first. Safe for concurrent use.
type BreadcrumbRing struct {
	mu     sync.Mutex
	crumbs []Breadcrumb
}

// Add appends a breadcrumb, evicting the oldest when the trail is full.
func (r *BreadcrumbRing) Add(c Breadcrumb) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.crumbs = append(r.crumbs, c)
	if len(r.crumbs) > MaxBreadcrumbs {
		r.crumbs = r.crumbs[len(r.crumbs)-MaxBreadcrumbs:]
	}
}

// Snapshot returns a copy of the trail, oldest first.
func (r *BreadcrumbRing) Snapshot() []Breadcrumb {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.crumbs) == 0 {
		return nil
	}
	out := make([]Breadcrumb, len(r.crumbs))
	copy(out, r.crumbs)
	return out
}

// Clear drops the trail.
func (r *BreadcrumbRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crumbs = nil
}
