package ui

import "testing"

func TestPublisher_DeliversToAllSubscribers(t *testing.T) {
	// Arrange
	p := NewPublisher()
	first, stopFirst := p.Subscribe()
	second, stopSecond := p.Subscribe()
	defer stopFirst()
	defer stopSecond()

	// Act
	p.Publish(Event{Type: EventSessionOutput, SessionID: "s1", Text: "hello"})

	// Assert
	for _, ch := range []<-chan Event{first, second} {
		select {
		case got := <-ch:
			if got.SessionID != "s1" || got.Text != "hello" {
				t.Errorf("event = %+v", got)
			}
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublisher_DoesNotBlockOnFullSubscriber(t *testing.T) {
	// Arrange
	p := NewPublisher()
	_, stop := p.Subscribe()
	defer stop()

	// Act: publish past the buffer; must return rather than deadlock.
	for i := 0; i < subscriberBuffer+10; i++ {
		p.Publish(Event{Type: EventSessionProgress, Text: "tick"})
	}
}

func TestPublisher_UnsubscribeClosesChannel(t *testing.T) {
	// Arrange
	p := NewPublisher()
	ch, stop := p.Subscribe()

	// Act
	stop()
	p.Publish(Event{Type: EventSessionsRefreshed})

	// Assert
	if _, open := <-ch; open {
		t.Error("channel should be closed after unsubscribe")
	}
}
