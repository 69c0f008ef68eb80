// Package schedule holds the timer primitives the sync engine uses to bound outbound traffic.
// Everything is expressed as small state machines over a Scheduler so timers can be
// cancelled explicitly and driven deterministically in tests.
package schedule

import (
	"time"
)

// Timer is a pending callback.
type Timer interface {
	// Stop prevents the callback from running and reports whether it was still pending.
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type system struct{}

func (system) Now() time.Time { return time.Now() }

func (system) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// System is the wall clock scheduler.
func System() Scheduler { return system{} }

type guarded struct {
	inner Scheduler
	exec  func(func())
}

func (g guarded) Now() time.Time { return g.inner.Now() }

func (g guarded) AfterFunc(d time.Duration, f func()) Timer {
	return g.inner.AfterFunc(d, func() { g.exec(f) })
}

// Guarded returns a scheduler whose callbacks run through exec, typically a func that holds
// the owner's lock, so timer callbacks are serialized with every other event of the owner.
func Guarded(inner Scheduler, exec func(func())) Scheduler {
	return guarded{inner: inner, exec: exec}
}
