package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu       sync.Mutex
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchange, f.key, f.msg = exchange, key, msg
	return f.err
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPPublishEnvelope(t *testing.T) {
	ch := &fakeChannel{}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := &AMQP{ch: ch, exchange: "stepwise.events", now: func() time.Time { return ts }}

	err := p.Publish(context.Background(), TopicCreditsPurchased, map[string]any{"account_id": "acct_1", "amount": 3})
	require.NoError(t, err)

	require.Equal(t, "stepwise.events", ch.exchange)
	require.Equal(t, TopicCreditsPurchased, ch.key)
	require.Equal(t, "application/json", ch.msg.ContentType)
	require.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	require.NotEmpty(t, ch.msg.MessageId)
	require.Equal(t, ts, ch.msg.Timestamp)

	var body map[string]any
	require.NoError(t, json.Unmarshal(ch.msg.Body, &body))
	require.Equal(t, "acct_1", body["account_id"])
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, topic string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return r.err
}

func TestDetachSwallowsErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	select {
	case <-Detach(pub, TopicWorkshopUnlocked, nil):
	case <-time.After(time.Second):
		t.Fatal("detached publish did not finish")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Equal(t, []string{TopicWorkshopUnlocked}, pub.topics)
}

func TestDetachNilPublisher(t *testing.T) {
	<-Detach(nil, TopicWorkshopUnlocked, nil)
	require.NoError(t, Nop{}.Publish(context.Background(), "x", nil))
}

func TestFanoutAttemptsEveryPublisher(t *testing.T) {
	first := &recordingPublisher{err: errors.New("broker down")}
	second := &recordingPublisher{}

	err := Fanout{first, nil, second}.Publish(context.Background(), TopicCreditsPurchased, map[string]any{"account_id": "a"})
	require.ErrorContains(t, err, "broker down")
	require.Equal(t, []string{TopicCreditsPurchased}, first.topics)
	require.Equal(t, []string{TopicCreditsPurchased}, second.topics)
}
