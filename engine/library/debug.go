package library

import (
	"github.com/sasha-s/go-deadlock"
)

// ValidateSaneExecutionTime returns a func that must be called when the guarded work is done.
// If it is not called within the go-deadlock timeout the detector reports the stuck goroutine.
func ValidateSaneExecutionTime() func() {
	mu := deadlock.Mutex{}
	mu.Lock()
	go func() {
		mu.Lock()
		mu.Unlock()
	}()
	return func() {
		mu.Unlock()
	}
}
