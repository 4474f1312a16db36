package watcher

import "time"

// Clock abstracts wall-clock reads and delayed callbacks so round timing can
// be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the callback from firing. It reports false when the
	// callback already fired or the timer was already stopped.
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RealClock returns the Clock backed by package time.
func RealClock() Clock { return realClock{} }
