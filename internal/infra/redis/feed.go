package redis

import (
	"context"
	"encoding/json"
	"sync"

	"circuit-trivia-bot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Feed fans round events out across instances over Redis pub/sub.
type Feed struct {
	client  *redis.Client
	channel string
}

func NewFeed(client *redis.Client, namespace string) *Feed {
	return &Feed{client: client, channel: namespace + ":rounds"}
}

func (f *Feed) Publish(ctx context.Context, ev domain.RoundEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, raw).Err()
}

// Subscribe returns events for convID, or for every conversation when convID is empty.
// The caller must invoke the returned cancel function to avoid leaks.
func (f *Feed) Subscribe(ctx context.Context, convID string) (<-chan domain.RoundEvent, func(), error) {
	sub := f.client.Subscribe(ctx, f.channel)
	// wait for the subscription to be confirmed so no event published afterwards is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan domain.RoundEvent, 8)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.RoundEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if convID != "" && ev.ConversationID != convID {
					continue
				}
				select {
				case out <- ev:
				case <-stop:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			_ = sub.Close()
			<-done
		})
	}
	return out, cancel, nil
}
