package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/finlink/internal/bus"
	"github.com/matheus3301/finlink/internal/conn"
	"github.com/matheus3301/finlink/internal/model"
)

type memSnapshots struct {
	mu    sync.Mutex
	saves int
	last  model.Snapshot
}

func (m *memSnapshots) SaveSnapshot(s model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.last = s
	return nil
}

func (m *memSnapshots) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func TestPersisterBatchesChanges(t *testing.T) {
	b := bus.New()
	r := New(Config{Remote: &fakeRemote{}, Bus: b})
	store := &memSnapshots{}
	p := NewPersister(r, store, b, 20*time.Millisecond, nil)
	p.Start(context.Background())

	r.Restore(model.Snapshot{Conversations: []model.Conversation{{ID: "c1"}}})
	for i := range 10 {
		r.HandleEvent(conn.Event{Type: conn.EventPresence, ParticipantID: "p", IsOnline: i%2 == 0})
	}
	r.HandleEvent(inbound("m1", "c1", model.SenderSupport, "hello"))

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("snapshot never saved")
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	if n := store.count(); n > 3 {
		t.Errorf("saves = %d, expected changes to be batched", n)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.last.Threads["c1"].Messages) != 1 {
		t.Errorf("last snapshot = %+v", store.last)
	}
}

func TestPersisterStopWithoutChanges(t *testing.T) {
	b := bus.New()
	store := &memSnapshots{}
	p := NewPersister(New(Config{Remote: &fakeRemote{}, Bus: b}), store, b, time.Hour, nil)
	p.Start(context.Background())
	p.Stop()
	if store.count() != 0 {
		t.Errorf("saves = %d, want 0", store.count())
	}
}
