package engine

import (
	"sort"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/protocol"
)

// outcome is the single resolution of a pending call: a response or an error,
// never both.
type outcome struct {
	resp *protocol.Response
	err  error
}

// pendingCall is one in-flight correlated request awaiting its response.
type pendingCall struct {
	id     uint64
	op     string
	expect string
	ch     chan outcome
}

// deliver resolves the call. The channel is buffered so delivery never
// blocks, and each entry is removed from the table before delivery, so a
// call is resolved exactly once.
func (pc *pendingCall) deliver(out outcome) {
	pc.ch <- out
}

// pendingTable is the correlation table: one entry per in-flight request,
// keyed by a monotonically increasing correlation id. It is not safe for
// concurrent use on its own; the engine's mutex guards it.
type pendingTable struct {
	next    uint64
	entries map[uint64]*pendingCall
}

func newPendingTable() pendingTable {
	return pendingTable{entries: make(map[uint64]*pendingCall)}
}

// nextID allocates the next correlation id. Ids start at 1; zero marks
// fire-and-forget requests on the wire.
func (t *pendingTable) nextID() uint64 {
	t.next++
	return t.next
}

// add inserts a new entry for op and returns it.
func (t *pendingTable) add(op, expect string) *pendingCall {
	pc := &pendingCall{
		id:     t.nextID(),
		op:     op,
		expect: expect,
		ch:     make(chan outcome, 1),
	}
	t.entries[pc.id] = pc
	return pc
}

// remove deletes and returns the entry for id, or nil if no such entry
// exists (stale response, already-resolved call, or a discarded restore).
func (t *pendingTable) remove(id uint64) *pendingCall {
	pc, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return pc
}

// drain removes and returns every entry, ordered by correlation id so
// rejection order is deterministic.
func (t *pendingTable) drain() []*pendingCall {
	calls := make([]*pendingCall, 0, len(t.entries))
	for _, pc := range t.entries {
		calls = append(calls, pc)
	}
	clear(t.entries)
	sort.Slice(calls, func(i, j int) bool { return calls[i].id < calls[j].id })
	return calls
}

func (t *pendingTable) size() int {
	return len(t.entries)
}
