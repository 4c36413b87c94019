package telephony

import "testing"

func TestNotifierReplacesHandler(t *testing.T) {
	n := NewNotifier()
	var first, second int
	n.On(EventConnected, func(Event) { first++ })
	n.On(EventConnected, func(Event) { second++ })

	n.Emit(Event{Name: EventConnected})
	if first != 0 || second != 1 {
		t.Errorf("first=%d second=%d, want 0 and 1", first, second)
	}

	n.Off(EventConnected)
	n.Emit(Event{Name: EventConnected})
	if second != 1 {
		t.Errorf("handler ran after Off")
	}
	if n.Has(EventConnected) {
		t.Error("Has after Off")
	}
}

func TestNotifierRecoversPanic(t *testing.T) {
	n := NewNotifier()
	n.On(EventDisconnected, func(Event) { panic("boom") })
	n.Emit(Event{Name: EventDisconnected})
}

func TestNotifierStampsTime(t *testing.T) {
	n := NewNotifier()
	var got Event
	n.On(EventRegistered, func(ev Event) { got = ev })
	n.Emit(Event{Name: EventRegistered})
	if got.Time.IsZero() {
		t.Error("event time not set")
	}
}
