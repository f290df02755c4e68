package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesOnlyTheAccount(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := h.Subscribe(ctx, "alice")
	bob := h.Subscribe(ctx, "bob")

	require.NoError(t, h.Publish(ctx, "credits.purchased", map[string]any{"account_id": "alice", "new_balance": int64(3)}))

	select {
	case evt := <-alice:
		assert.Equal(t, "credits.purchased", evt.Topic)
		assert.Equal(t, "alice", evt.AccountID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("alice did not receive the event")
	}
	select {
	case evt := <-bob:
		t.Fatalf("bob received %+v", evt)
	default:
	}
}

func TestPublishIgnoresPayloadWithoutAccount(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := h.Subscribe(ctx, "alice")

	require.NoError(t, h.Publish(ctx, "x", "not a map"))
	require.NoError(t, h.Publish(ctx, "x", map[string]any{"workshop_id": "ws_1"}))

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = h.Subscribe(ctx, "alice")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = h.Publish(ctx, "x", map[string]any{"account_id": "alice"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, "alice")
	require.Equal(t, 1, h.Subscribers())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	assert.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}
