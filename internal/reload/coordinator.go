package reload

import (
	"context"
	"sync"
)

// VersionSource reads the change version of the entry store.
type VersionSource interface {
	Version(ctx context.Context) (int64, error)
}

// Coordinator decides when the scheduler must rebuild its projection. It
// caches the last version a rebuild was based on and reports a reload when
// the store version differs from it.
type Coordinator struct {
	source VersionSource

	mu           sync.Mutex
	last         int64
	primed       bool
	generation   uint64
	committedGen uint64
	pendingGen   uint64
}

// NewCoordinator returns a coordinator that reports a reload on its first
// check.
func NewCoordinator(source VersionSource) *Coordinator {
	return &Coordinator{source: source}
}

// Check reads the current version. reload is true on the first call, after
// Invalidate, or when the version differs from the last committed one.
// The caller passes observed to Commit once the rebuild succeeds.
func (c *Coordinator) Check(ctx context.Context) (observed int64, reload bool, err error) {
	observed, err = c.source.Version(ctx)
	if err != nil {
		return 0, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingGen = c.generation
	reload = !c.primed || observed != c.last || c.generation != c.committedGen
	return observed, reload, nil
}

// Commit records that the projection now reflects the version observed by
// the Check that preceded the rebuild. A write landing during the rebuild
// leaves the store ahead of observed and triggers another reload.
func (c *Coordinator) Commit(observed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = observed
	c.primed = true
	c.committedGen = c.pendingGen
}

// Invalidate forces the next Check to report a reload.
func (c *Coordinator) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
}

// Last returns the last committed version and whether any commit happened.
func (c *Coordinator) Last() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.primed
}
