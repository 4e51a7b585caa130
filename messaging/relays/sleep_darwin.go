//go:build darwin

package relays

import (
	"context"

	"github.com/prashantgupta24/mac-sleep-notifier/notifier"
)

func watchSleep(ctx context.Context, suspend func()) {
	sleepNotifier := notifier.GetInstance().Start()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sleepNotifier:
				suspend()
			}
		}
	}()
}
