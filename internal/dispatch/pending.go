package dispatch

import "sync"

// pendingTable maps correlation ids to the callers waiting on them. Each
// entry resolves at most once and is removed when it resolves or when its
// caller gives up.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]chan Reply
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]chan Reply)}
}

func (t *pendingTable) register(correlationID string) <-chan Reply {
	ch := make(chan Reply, 1)
	t.mu.Lock()
	t.calls[correlationID] = ch
	t.mu.Unlock()
	return ch
}

// resolve delivers reply to the waiting caller. It reports false when
// nobody waits for correlationID any more.
func (t *pendingTable) resolve(correlationID string, reply Reply) bool {
	t.mu.Lock()
	ch, ok := t.calls[correlationID]
	delete(t.calls, correlationID)
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- reply
	return true
}

func (t *pendingTable) remove(correlationID string) {
	t.mu.Lock()
	delete(t.calls, correlationID)
	t.mu.Unlock()
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
