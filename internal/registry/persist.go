package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/finlink/internal/bus"
	"github.com/matheus3301/finlink/internal/model"
)

const DefaultFlushInterval = 500 * time.Millisecond

type SnapshotStore interface {
	SaveSnapshot(model.Snapshot) error
}

// Persister writes registry snapshots to the store. Changes are batched:
// at most one write per interval, and a final write on Stop.
type Persister struct {
	reg      *Registry
	store    SnapshotStore
	bus      *bus.Bus
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	dirty  bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPersister(reg *Registry, store SnapshotStore, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Persister {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{reg: reg, store: store, bus: b, interval: interval, logger: logger}
}

func (p *Persister) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	ch, unsub := p.bus.Subscribe("registry.", 256)
	go p.loop(ctx, ch, unsub)
}

// Stop ends the loop and writes any pending change.
func (p *Persister) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	if err := p.flush(); err != nil {
		p.logger.Error("failed to save final snapshot", zap.Error(err))
	}
}

func (p *Persister) loop(ctx context.Context, ch <-chan bus.Event, unsub func()) {
	defer close(p.done)
	defer unsub()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			p.markDirty()
		case <-ticker.C:
			if err := p.flush(); err != nil {
				p.logger.Error("failed to save snapshot", zap.Error(err))
			}
		case <-ctx.Done():
			for len(ch) > 0 {
				<-ch
				p.markDirty()
			}
			return
		}
	}
}

func (p *Persister) markDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
}

func (p *Persister) flush() error {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return nil
	}
	p.dirty = false
	p.mu.Unlock()

	if err := p.store.SaveSnapshot(p.reg.Snapshot()); err != nil {
		p.markDirty()
		return err
	}
	return nil
}
