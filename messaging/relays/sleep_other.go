//go:build !darwin

package relays

import "context"

func watchSleep(ctx context.Context, suspend func()) {}
