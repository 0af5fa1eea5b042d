package workstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ItemSubscription represents an active Pub/Sub subscription to item events.
// Caller must call Close() when done to clean up resources.
type ItemSubscription struct {
	events <-chan *WorkItem
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of item snapshots, one per accepted mutation.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *ItemSubscription) Events() <-chan *WorkItem {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors.
// The subscription continues after errors; the offending message is skipped.
func (s *ItemSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Implements io.Closer. Safe to call multiple times.
func (s *ItemSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeItemEvents subscribes to item mutations for this instance.
//
// Events are delivered on a buffered channel (size 10). Redis Pub/Sub is
// at-most-once, so a slow subscriber can miss events; readers that need the
// current state should follow up with Get.
func (s *Store) SubscribeItemEvents(ctx context.Context) (*ItemSubscription, error) {
	pubsub := s.rdb.Subscribe(ctx, ItemEventsChannel(s.instanceName))

	eventsChan := make(chan *WorkItem, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var item WorkItem
				if err := json.Unmarshal([]byte(msg.Payload), &item); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal item event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &item:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &ItemSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
