package mq

import (
	"context"
	"time"

	"stepwise.studio/internal/obs"
)

const detachTimeout = 5 * time.Second

// Detach publishes on its own goroutine with a fresh bounded context. A
// failure is logged and never reaches the caller. The returned channel is
// closed once the attempt finishes.
func Detach(pub Publisher, topic string, payload any) <-chan struct{} {
	done := make(chan struct{})
	if pub == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				obs.Error("event publish panicked", map[string]any{"topic": topic, "panic": r})
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()
		if err := pub.Publish(ctx, topic, payload); err != nil {
			obs.Warn("event publish failed", map[string]any{"topic": topic, "error": err})
		}
	}()
	return done
}
