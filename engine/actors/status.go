package actors

import (
	"sync"
)

var terminateChan = make(chan struct{})
var terminateOnce = &sync.Once{}
var waitGroup = &sync.WaitGroup{}

func GetTerminateChan() chan struct{} {
	return terminateChan
}

// GetWaitGroup is the group every long running goroutine joins so Shutdown can wait for it.
func GetWaitGroup() *sync.WaitGroup {
	return waitGroup
}

// Shutdown closes the terminate channel once and waits for registered goroutines to finish.
func Shutdown() {
	terminateOnce.Do(func() {
		close(terminateChan)
	})
	waitGroup.Wait()
}
