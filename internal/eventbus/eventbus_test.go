// ABOUTME: Tests for the event bus
// ABOUTME: Covers seq assignment, filtering, overflow eviction, and watermark subscription

package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilnlabs/agentgw/internal/domain"
)

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	b := New(nil)
	ch, handle := b.Subscribe(Filter{})
	defer b.Unsubscribe(handle)

	for i := 0; i < 5; i++ {
		b.Publish(domain.Event{Type: domain.EventRunProgress})
	}

	var last uint64
	for i := 0; i < 5; i++ {
		select {
		case evt := <-ch:
			require.Greater(t, evt.Seq, last)
			last = evt.Seq
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSubscriberFilterByRunID(t *testing.T) {
	b := New(nil)
	ch, handle := b.Subscribe(Filter{RunID: "run-a"})
	defer b.Unsubscribe(handle)

	b.Publish(domain.Event{Type: domain.EventRunProgress, RunID: "run-b"})
	b.Publish(domain.Event{Type: domain.EventRunProgress, RunID: "run-a"})

	select {
	case evt := <-ch:
		require.Equal(t, "run-a", evt.RunID)
	case <-time.After(time.Second):
		t.Fatal("expected run-a event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected second event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverflowDropsButOtherSubscribersUnaffected(t *testing.T) {
	b := New(nil)
	slow, slowHandle := b.Subscribe(Filter{})
	fast, fastHandle := b.Subscribe(Filter{})
	defer b.Unsubscribe(slowHandle)
	defer b.Unsubscribe(fastHandle)

	// fast reads its mailbox empty after every MailboxSize publishes; slow
	// never reads.
	total := MailboxSize * 2
	drained := 0
	for i := 0; i < total; i++ {
		b.Publish(domain.Event{Type: domain.EventRunProgress})
		if (i+1)%MailboxSize == 0 {
			for len(fast) > 0 {
				<-fast
				drained++
			}
		}
	}

	require.Greater(t, b.Lag(), uint64(0))
	require.Equal(t, total, drained, "fast subscriber should have received every event")

	// slow subscriber's mailbox should be full but not have panicked the publisher.
	require.Len(t, slow, MailboxSize)
}

func TestOverflowKeepsNewestEvents(t *testing.T) {
	b := New(nil)
	slow, handle := b.Subscribe(Filter{})
	defer b.Unsubscribe(handle)

	total := MailboxSize + 10
	for i := 0; i < total; i++ {
		b.Publish(domain.Event{Type: domain.EventRunProgress, RunID: "r"})
	}

	require.Equal(t, uint64(10), b.Lag())
	require.Len(t, slow, MailboxSize)

	// The oldest 10 events (seq 1..10) should have been evicted; the
	// mailbox should hold a contiguous run ending at the latest seq.
	first := <-slow
	require.Equal(t, uint64(11), first.Seq)
}

func TestSubscribeWithWatermarkCapturesSeqAtRegistration(t *testing.T) {
	b := New(nil)
	b.Publish(domain.Event{Type: domain.EventRunProgress})
	b.Publish(domain.Event{Type: domain.EventRunProgress})

	ch, handle, watermark := b.SubscribeWithWatermark(Filter{})
	defer b.Unsubscribe(handle)
	require.Equal(t, uint64(2), watermark)

	b.Publish(domain.Event{Type: domain.EventRunProgress})

	select {
	case evt := <-ch:
		require.Equal(t, uint64(3), evt.Seq)
	case <-time.After(time.Second):
		t.Fatal("expected the post-subscribe event to arrive live")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	ch, handle := b.Subscribe(Filter{})
	b.Unsubscribe(handle)

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after unsubscribe")
}
