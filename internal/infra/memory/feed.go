package memory

import (
	"context"
	"sync"

	"circuit-trivia-bot/internal/domain"
)

// Feed broadcasts round events to in-process subscribers.
type Feed struct {
	mu          sync.RWMutex
	subscribers map[chan domain.RoundEvent]string
}

func NewFeed() *Feed {
	return &Feed{subscribers: make(map[chan domain.RoundEvent]string)}
}

// Subscribe returns a channel of events for convID, or for every conversation when
// convID is empty. The caller must invoke the returned cancel function to avoid leaks.
func (f *Feed) Subscribe(_ context.Context, convID string) (<-chan domain.RoundEvent, func(), error) {
	ch := make(chan domain.RoundEvent, 8)
	f.mu.Lock()
	f.subscribers[ch] = convID
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subscribers[ch]; ok {
			delete(f.subscribers, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel, nil
}

// Publish never blocks: a subscriber that falls behind loses its oldest event.
func (f *Feed) Publish(_ context.Context, ev domain.RoundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch, convID := range f.subscribers {
		if convID != "" && convID != ev.ConversationID {
			continue
		}
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
	return nil
}
