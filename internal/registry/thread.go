package registry

import "github.com/matheus3301/finlink/internal/model"

// thread holds one conversation's messages in display order with an
// id -> position index for in-place replacement.
type thread struct {
	messages []model.Message
	index    map[string]int
	hasMore  bool
}

func newThread() *thread {
	return &thread{index: make(map[string]int)}
}

func (t *thread) has(id string) bool {
	_, ok := t.index[id]
	return ok
}

func (t *thread) get(id string) (*model.Message, bool) {
	pos, ok := t.index[id]
	if !ok {
		return nil, false
	}
	return &t.messages[pos], true
}

func (t *thread) append(m model.Message) {
	t.index[m.ID] = len(t.messages)
	t.messages = append(t.messages, m)
}

// prepend inserts older messages at the front, skipping ids already held.
func (t *thread) prepend(older []model.Message) int {
	fresh := make([]model.Message, 0, len(older))
	seen := make(map[string]bool, len(older))
	for _, m := range older {
		if t.has(m.ID) || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0
	}
	t.messages = append(fresh, t.messages...)
	t.reindex()
	return len(fresh)
}

// replace swaps the message stored under oldID for m, keeping its position.
func (t *thread) replace(oldID string, m model.Message) bool {
	pos, ok := t.index[oldID]
	if !ok {
		return false
	}
	delete(t.index, oldID)
	t.messages[pos] = m
	t.index[m.ID] = pos
	return true
}

func (t *thread) remove(id string) (model.Message, bool) {
	pos, ok := t.index[id]
	if !ok {
		return model.Message{}, false
	}
	m := t.messages[pos]
	t.messages = append(t.messages[:pos], t.messages[pos+1:]...)
	t.reindex()
	return m, true
}

// reset replaces the window with page, keeping local messages the server
// has not seen yet at the end.
func (t *thread) reset(page []model.Message) {
	var local []model.Message
	for _, m := range t.messages {
		if m.Pending() {
			local = append(local, m)
		}
	}
	t.messages = t.messages[:0]
	t.index = make(map[string]int, len(page)+len(local))
	for _, m := range page {
		if !t.has(m.ID) {
			t.append(m)
		}
	}
	for _, m := range local {
		t.append(m)
	}
}

func (t *thread) reindex() {
	t.index = make(map[string]int, len(t.messages))
	for i, m := range t.messages {
		t.index[m.ID] = i
	}
}

func (t *thread) last() (model.Message, bool) {
	if len(t.messages) == 0 {
		return model.Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

func (t *thread) snapshot() model.Thread {
	return model.Thread{Messages: append([]model.Message(nil), t.messages...), HasMore: t.hasMore}
}
