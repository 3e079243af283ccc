// Package stdx holds generic helpers that have no better home.
package stdx

// Must0 panics if err is not nil. Use it for initialization that cannot
// reasonably fail at runtime.
func Must0(err error) {
	if err != nil {
		panic(err)
	}
}

// Must1 returns v, panicking if err is not nil.
func Must1[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
