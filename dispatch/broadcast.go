package dispatch

import (
	"context"
	"sync"

	"capsync/protocol"
)

// Target is anything that can accept a command for one device.
type Target interface {
	DeviceID() string
	Send(ctx context.Context, command protocol.CommandName, params map[string]string, opts ...SendOption) *Handle
}

// BroadcastResult collects per-device outcomes of one Broadcast.
type BroadcastResult struct {
	Results map[string]Result
}

// OK is the logical AND of every per-device outcome. An empty broadcast is OK.
func (b BroadcastResult) OK() bool {
	for _, r := range b.Results {
		if !r.OK() {
			return false
		}
	}
	return true
}

// Failed returns the device ids whose command failed.
func (b BroadcastResult) Failed() []string {
	var failed []string
	for id, r := range b.Results {
		if !r.OK() {
			failed = append(failed, id)
		}
	}
	return failed
}

// Broadcast sends command to every target concurrently and waits for all of
// them. One target's failure never blocks or cancels the others.
func Broadcast(ctx context.Context, targets []Target, command protocol.CommandName, params map[string]string, opts ...SendOption) BroadcastResult {
	result := BroadcastResult{Results: make(map[string]Result, len(targets))}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, target := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			r := t.Send(ctx, command, params, opts...).Wait()
			mu.Lock()
			result.Results[t.DeviceID()] = r
			mu.Unlock()
		}(target)
	}
	wg.Wait()

	return result
}
