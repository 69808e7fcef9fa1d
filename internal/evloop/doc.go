// Package evloop provides the single goroutine that owns all core state,
// a monotonic microsecond clock and one-shot timers armed against it.
//
// Code running inside the loop never locks. Other goroutines hand work to
// the loop with Post or Call.
package evloop
