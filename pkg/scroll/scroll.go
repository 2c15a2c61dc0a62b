// Package scroll implements the minimal coordination contract between the
// conversation view and the streaming engine: keep the viewport pinned to
// the bottom while the user is near it and a generation is streaming.
package scroll

import "sync"

const DefaultThreshold = 50.0

// Coordinator tracks whether the view should follow the tail of the
// conversation. followTail is recomputed only from direct user scroll
// observations, never from programmatic scrolling.
type Coordinator struct {
	mu         sync.Mutex
	followTail bool
	threshold  float64
}

func NewCoordinator(threshold float64) *Coordinator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Coordinator{
		followTail: true,
		threshold:  threshold,
	}
}

// ObserveUserScroll records the viewport's distance from the bottom after a
// user-driven scroll event.
func (c *Coordinator) ObserveUserScroll(distanceFromBottom float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followTail = distanceFromBottom <= c.threshold
}

// ObserveProgrammaticScroll is a no-op by contract; programmatic scrolls
// must not flip followTail.
func (c *Coordinator) ObserveProgrammaticScroll(float64) {}

// ShouldScrollToBottom reports whether a tree mutation or content-height
// change should trigger a scroll-to-bottom right now.
func (c *Coordinator) ShouldScrollToBottom(streaming bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.followTail && streaming
}

func (c *Coordinator) FollowTail() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.followTail
}
