package bus

import (
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected an event")
		return Event{}
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	items := b.Subscribe("work_item.")
	queues := b.Subscribe("queue.")
	all := b.Subscribe("")
	defer b.Unsubscribe(items)
	defer b.Unsubscribe(queues)
	defer b.Unsubscribe(all)

	b.Publish(TopicItemDone, ItemStateChangedEvent{WorkItemID: "item-1", NewStatus: "done"})

	ev := recv(t, items)
	if ev.Topic != TopicItemDone {
		t.Errorf("expected %s, got %s", TopicItemDone, ev.Topic)
	}
	payload, ok := ev.Payload.(ItemStateChangedEvent)
	if !ok || payload.WorkItemID != "item-1" {
		t.Errorf("unexpected payload %+v", ev.Payload)
	}
	if ev := recv(t, all); ev.Topic != TopicItemDone {
		t.Errorf("expected catch-all delivery, got %s", ev.Topic)
	}
	select {
	case ev := <-queues.Ch():
		t.Errorf("queue subscriber received off-prefix event %s", ev.Topic)
	default:
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
	if _, open := <-sub.Ch(); open {
		t.Error("expected channel closed after unsubscribe")
	}

	// Double unsubscribe and nil are no-ops.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	b.Publish(TopicQueueEnqueued, QueueEvent{Queue: "planner"})
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize+10; i++ {
			b.Publish(TopicQueueLeased, QueueEvent{MessageID: "m"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if got := len(sub.ch); got != defaultBufferSize {
		t.Errorf("expected buffer capped at %d, got %d", defaultBufferSize, got)
	}
}
