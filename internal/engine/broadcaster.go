package engine

import (
	"log/slog"
	"sync"

	"github.com/GodfreyEngineering/chainsolve-engine/internal/protocol"
)

// ProgressFunc receives one advisory progress message.
type ProgressFunc func(p protocol.Progress)

// ProgressBroker fans unsolicited progress messages out to subscribers.
// Delivery is synchronous and in registration order; a panicking handler is
// recovered so it can never take down the kernel reader loop. Progress is
// advisory only and is not replayed after a unit is recreated.
type ProgressBroker struct {
	mu     sync.Mutex
	subs   []*progressSub
	nextID int
	logger *slog.Logger
}

type progressSub struct {
	id int
	fn ProgressFunc
}

// NewProgressBroker creates an empty broker.
func NewProgressBroker(logger *slog.Logger) *ProgressBroker {
	return &ProgressBroker{logger: logger}
}

// Subscribe registers fn and returns an unsubscribe function. Unsubscribing
// more than once is safe.
func (b *ProgressBroker) Subscribe(fn ProgressFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, &progressSub{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers p to every currently registered handler, in registration
// order. The subscriber list is snapshotted so handlers may subscribe or
// unsubscribe from within a callback.
func (b *ProgressBroker) Publish(p protocol.Progress) {
	b.mu.Lock()
	snapshot := make([]*progressSub, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		b.invoke(s, p)
	}
}

func (b *ProgressBroker) invoke(s *progressSub, p protocol.Progress) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("progress handler panicked", "panic", r)
		}
	}()
	s.fn(p)
}
