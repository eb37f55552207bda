package registry

import (
	"context"

	"github.com/matheus3301/finlink/internal/bus"
	"github.com/matheus3301/finlink/internal/conn"
)

// Start watches connection state and catches up after every reconnect.
// The first connection is not a reconnect; the caller loads initial state.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("conn.", 32)

	go func() {
		defer unsub()
		connectedBefore := false
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if evt.Kind != bus.KindConnState {
					continue
				}
				change, ok := evt.Payload.(conn.StateChange)
				if !ok || change.To != conn.Connected {
					continue
				}
				if connectedBefore {
					r.logger.Info("live channel reconnected, catching up")
					r.mu.Lock()
					r.reloadLocked()
					r.mu.Unlock()
				}
				connectedBefore = true
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}
