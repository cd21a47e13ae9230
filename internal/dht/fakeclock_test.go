package dht

import "time"

// fakeClock is a manually-advanced Clock for deterministic tests. Its
// AfterFunc never fires or keeps the callback; it returns a fakeTimer,
// so background loops run their first cycle and are never rescheduled.
type fakeClock struct {
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	return &fakeTimer{}
}
