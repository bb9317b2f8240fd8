package bus

import "testing"

func TestBroadcast_ReachesAllSubscribers(t *testing.T) {
	b := NewMessageBus()

	var got1, got2 []string
	b.Subscribe("c-1", func(e Event) { got1 = append(got1, e.Name) })
	b.Subscribe("c-2", func(e Event) { got2 = append(got2, e.Name) })

	b.Broadcast(Event{Name: "bot_message"})
	b.Broadcast(Event{Name: "agent_joined"})

	if len(got1) != 2 || len(got2) != 2 {
		t.Errorf("delivery counts = %d, %d; want 2 each", len(got1), len(got2))
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := NewMessageBus()

	var got int
	b.Subscribe("c-1", func(Event) { got++ })
	b.Broadcast(Event{Name: "one"})
	b.Unsubscribe("c-1")
	b.Broadcast(Event{Name: "two"})

	if got != 1 {
		t.Errorf("delivered %d events after unsubscribe, want 1", got)
	}
}

func TestSubscribe_ReplacesHandlerForSameID(t *testing.T) {
	b := NewMessageBus()

	var first, second int
	b.Subscribe("c-1", func(Event) { first++ })
	b.Subscribe("c-1", func(Event) { second++ })
	b.Broadcast(Event{Name: "x"})

	if first != 0 || second != 1 {
		t.Errorf("first = %d, second = %d; want the replacement handler only", first, second)
	}
}

func TestRoomHelpers(t *testing.T) {
	if got := SessionRoom("s-1"); got != "session:s-1" {
		t.Errorf("SessionRoom = %q", got)
	}
	if got := AgentRoom("a-1"); got != "agent:a-1" {
		t.Errorf("AgentRoom = %q", got)
	}
}
