package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPubSubDeliversPublishedPayload(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()
	ctx := context.Background()

	ch, cleanup := ps.Subscribe(ctx, "loghub.app-1")
	defer cleanup()

	require.NoError(t, ps.Publish(ctx, "loghub.app-1", map[string]string{"stream": "stdout"}))

	select {
	case msg := <-ch:
		var got map[string]string
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "stdout", got["stream"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryPubSubFansOutToEverySubscriber(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()
	ctx := context.Background()

	ch1, cleanup1 := ps.Subscribe(ctx, "resourcemonitor.app-1")
	defer cleanup1()
	ch2, cleanup2 := ps.Subscribe(ctx, "resourcemonitor.app-1")
	defer cleanup2()

	require.NoError(t, ps.Publish(ctx, "resourcemonitor.app-1", "critical"))

	for i, ch := range []<-chan []byte{ch1, ch2} {
		select {
		case msg := <-ch:
			var got string
			require.NoError(t, json.Unmarshal(msg, &got))
			assert.Equalf(t, "critical", got, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out waiting for message", i)
		}
	}
}

func TestMemoryPubSubIsolatesTopics(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()
	ctx := context.Background()

	logCh, cleanupLog := ps.Subscribe(ctx, "loghub.app-1")
	defer cleanupLog()
	signalCh, cleanupSignal := ps.Subscribe(ctx, "signal.updates")
	defer cleanupSignal()

	require.NoError(t, ps.Publish(ctx, "loghub.app-1", "line"))

	select {
	case <-logCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for loghub.app-1 message")
	}

	select {
	case <-signalCh:
		t.Fatal("signal.updates subscriber should not see a loghub.app-1 publish")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryPubSubCleanupClosesChannel(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()
	ctx := context.Background()

	ch, cleanup := ps.Subscribe(ctx, "hub_connection")
	cleanup()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cleanup")

	assert.NoError(t, ps.Publish(ctx, "hub_connection", "connected"))
}

func TestMemoryPubSubContextCancelTriggersCleanup(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch, cleanup := ps.Subscribe(ctx, "app_status")
	defer cleanup()

	cancel()
	time.Sleep(50 * time.Millisecond)

	assert.NoError(t, ps.Publish(context.Background(), "app_status", "stopped"))

	select {
	case _, ok := <-ch:
		_ = ok // either a buffered message or the closed zero-value is fine here
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryPubSubCleanupIsIdempotentEitherOrder(t *testing.T) {
	cases := []struct {
		name string
		run  func(unsub func(), cancel context.CancelFunc)
	}{
		{"manual then cancel", func(unsub func(), cancel context.CancelFunc) {
			unsub()
			cancel()
		}},
		{"cancel then manual", func(unsub func(), cancel context.CancelFunc) {
			cancel()
			time.Sleep(50 * time.Millisecond)
			unsub()
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ps := NewMemoryPubSub()
			defer ps.Close()
			ctx, cancel := context.WithCancel(context.Background())

			_, unsub := ps.Subscribe(ctx, "threshold_breach")
			tc.run(unsub, cancel)
			time.Sleep(50 * time.Millisecond)
			// No panic means sync.Once did its job regardless of call order.
		})
	}
}

func TestMemoryPubSubCloseClosesEverySubscriber(t *testing.T) {
	ps := NewMemoryPubSub()
	ctx := context.Background()

	ch, _ := ps.Subscribe(ctx, "app_status")
	require.NoError(t, ps.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(100 * time.Millisecond):
		t.Error("channel should close immediately on Close()")
	}

	// Publish after Close is a documented no-op, not an error.
	assert.NoError(t, ps.Publish(ctx, "app_status", "after-close"))
}

func TestMemoryPubSubPublishWithoutSubscribersIsANoop(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()

	assert.NoError(t, ps.Publish(context.Background(), "signal.updates", "unread"))
}

func TestMemoryPubSubConcurrentPublishDeliversEveryMessage(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()
	ctx := context.Background()

	ch, cleanup := ps.Subscribe(ctx, "loghub.app-1")
	defer cleanup()

	const messageCount = 100
	var wg sync.WaitGroup
	for i := 0; i < messageCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = ps.Publish(ctx, "loghub.app-1", i)
		}(i)
	}

	done := make(chan struct{})
	received := 0
	go func() {
		for range ch {
			received++
			if received >= messageCount {
				close(done)
				return
			}
		}
	}()

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only received %d/%d messages", received, messageCount)
	}
}

func TestMemoryPubSubDropsForASubscriberThatNeverDrains(t *testing.T) {
	ps := NewMemoryPubSub()
	defer ps.Close()
	ctx := context.Background()

	ch, cleanup := ps.Subscribe(ctx, "resourcemonitor.app-1")
	defer cleanup()

	for i := 0; i < bufferPerSubscriber+50; i++ {
		require.NoError(t, ps.Publish(ctx, "resourcemonitor.app-1", i))
	}

	received := 0
drain:
	for {
		select {
		case <-ch:
			received++
		case <-time.After(100 * time.Millisecond):
			break drain
		}
	}
	assert.Greater(t, received, 0, "at least the buffered messages should have been delivered")
}
