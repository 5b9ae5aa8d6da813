package core

import "sync"

// ProgressFunc receives a completion percentage in [0,100].
type ProgressFunc func(percent int)

// Span maps a sub-operation's 0-100 range onto [from,to] of the parent.
func Span(p ProgressFunc, from, to int) ProgressFunc {
	if p == nil {
		return nil
	}
	return func(percent int) {
		p(from + (to-from)*clampPercent(percent)/100)
	}
}

// Monotonic wraps p so it only ever sees non-decreasing values in [0,100].
// Safe for concurrent use.
func Monotonic(p ProgressFunc) ProgressFunc {
	if p == nil {
		return func(int) {}
	}
	var (
		mu   sync.Mutex
		last = -1
	)
	return func(percent int) {
		percent = clampPercent(percent)
		mu.Lock()
		if percent <= last {
			mu.Unlock()
			return
		}
		last = percent
		mu.Unlock()
		p(percent)
	}
}

func report(p ProgressFunc, percent int) {
	if p != nil {
		p(percent)
	}
}

func clampPercent(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
