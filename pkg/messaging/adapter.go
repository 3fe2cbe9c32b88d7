package messaging

import (
	"context"
)

// Handle subscribes to topic and runs handler for every payload in a single
// goroutine. Handler errors go to onError and do not stop the subscription.
func Handle(ctx context.Context, broker Broker, topic string, handler func([]byte) error, onError func(error)) error {
	msgChan, err := broker.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgChan {
			if err := handler(msg); err != nil && onError != nil {
				onError(err)
			}
		}
	}()

	return nil
}
