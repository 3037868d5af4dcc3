package memory

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryBroker_PublishSubscribe(t *testing.T) {
	b := NewInMemoryBroker(4, nil)
	defer b.Close()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "workflow:wf-1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "workflow:wf-1", []byte("hello")))

	select {
	case msg := <-sub.C():
		assert.Equal(t, "workflow:wf-1", msg.Topic)
		assert.Equal(t, "hello", string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestInMemoryBroker_NoSubscriberDropsMessage(t *testing.T) {
	b := NewInMemoryBroker(4, nil)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "trigger:abc", []byte("lost")))

	sub, err := b.Subscribe(ctx, "trigger:abc")
	require.NoError(t, err)
	defer sub.Close()

	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected buffered message %q", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryBroker_TopicsAreIsolated(t *testing.T) {
	b := NewInMemoryBroker(4, nil)
	defer b.Close()

	ctx := context.Background()
	a, err := b.Subscribe(ctx, "workflow:a")
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, b.Publish(ctx, "workflow:b", []byte("x")))

	select {
	case <-a.C():
		t.Fatal("received message for another topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewInMemoryBroker(1, nil)
	defer b.Close()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, "t", []byte("m")))
	}
	assert.Len(t, sub.C(), 1)
}

func TestInMemoryBroker_ContextCancelUnsubscribes(t *testing.T) {
	b := NewInMemoryBroker(4, nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount("t"))

	cancel()

	require.Eventually(t, func() bool { return b.SubscriberCount("t") == 0 }, time.Second, 10*time.Millisecond)
	_, open := <-sub.C()
	assert.False(t, open)
}

func TestInMemoryBroker_CloseReleasesBackgroundSubscriptions(t *testing.T) {
	before := runtime.NumGoroutine()

	b := NewInMemoryBroker(4, nil)
	for i := 0; i < 50; i++ {
		_, err := b.Subscribe(context.Background(), "t")
		require.NoError(t, err)
	}
	sub, err := b.Subscribe(context.Background(), "other")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	assert.Equal(t, 0, b.SubscriberCount("other"))

	require.NoError(t, b.Close())
	assert.Equal(t, 0, b.SubscriberCount("t"))

	require.Eventually(t, func() bool { return runtime.NumGoroutine() <= before },
		time.Second, 10*time.Millisecond)
}

func TestInMemoryBroker_CloseRejectsPublish(t *testing.T) {
	b := NewInMemoryBroker(4, nil)
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), "t", nil))
	_, err := b.Subscribe(context.Background(), "t")
	assert.Error(t, err)
}
