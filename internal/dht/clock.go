package dht

import "time"

// Clock abstracts wall-clock time and timer scheduling so the refresh
// and replication loops can be driven deterministically in tests,
// per the design notes' "timers require an injectable clock" guidance.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run once after d elapses, returning a
	// handle that can be stopped before it fires.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the minimal handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// systemClock is the default Clock, backed by the time package.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the production Clock used when no Clock option is
// supplied.
var SystemClock Clock = systemClock{}
